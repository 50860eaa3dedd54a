package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"medsync/internal/app"
	"medsync/internal/config"
	"medsync/internal/credentials"
	"medsync/internal/mirror"
	"medsync/internal/room"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer app.Close().
// withToken unlocks the stored bearer token for commands that talk to the server.
func newApp(opts app.Options, withToken bool) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	if withToken {
		token, err := credentials.Resolve(credentials.NewTokenStore(cfg.Credentials.TokenPath), credentials.PromptPassphrase)
		if err != nil {
			return nil, fmt.Errorf("unlocking token: %w", err)
		}
		opts.Token = token
	}

	a, err := app.New(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "medsync",
	Short: "Mirror a media library and join listening rooms",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		deviceID := uuid.New().String()
		cfg := config.NewConfig(deviceID, paths.BaseDir)
		if server, _ := cmd.Flags().GetString("server"); server != "" {
			cfg.Remote.BaseURL = server
		}

		if err := config.Init(paths.ConfigFile, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigFile)
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Library:   %s\n", cfg.Sync.LibraryDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		folders := "(all)"
		if len(cfg.Sync.Folders) > 0 {
			folders = strings.Join(cfg.Sync.Folders, ", ")
		}
		maxSize := "unlimited"
		if cfg.Sync.MaxFileSize > 0 {
			maxSize = humanize.IBytes(uint64(cfg.Sync.MaxFileSize))
		}

		fmt.Printf("Device ID:   %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Remote:      %s (%s) %s\n", cfg.Remote.Name, cfg.Remote.Type, cfg.Remote.BaseURL)
		fmt.Printf("Ledger:      %s %s\n", cfg.Ledger.Type, cfg.Ledger.DataDir)
		fmt.Printf("Library:     %s\n", cfg.Sync.LibraryDir)
		fmt.Printf("Folders:     %s\n", folders)
		fmt.Printf("Concurrency: %d\n", cfg.Sync.MaxConcurrency)
		fmt.Printf("Max file:    %s\n", maxSize)
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the remote library into the local library",
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")

		a, err := newApp(app.Options{Operation: "sync"}, true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var sink mirror.EventSink = mirror.NopSink{}
		if !quiet {
			sink = mirror.EventSinkFunc(printEvent)
		}

		res, err := a.Sync(ctx, sink)
		if errors.Is(err, mirror.ErrCancelled) {
			fmt.Println("Sync cancelled; completed transfers were kept.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("Sync complete (%s): %d downloaded, %d updated, %d skipped, %d deleted, %d errors\n",
			res.Mode, res.Downloaded, res.Updated, res.Skipped, res.Deleted, res.Errors)
		return nil
	},
}

func printEvent(e mirror.Event) {
	switch e.Kind {
	case mirror.EventError:
		fmt.Printf("[%3.0f%%] error: %s\n", e.Percent, e.Message)
	case mirror.EventProgress:
		fmt.Printf("[%3.0f%%] %s (%d downloaded, %d errors)\n", e.Percent, e.Message, e.Counts.Downloaded+e.Counts.Updated, e.Counts.Errors)
	default:
		fmt.Printf("[%3.0f%%] %s\n", e.Percent, e.Message)
	}
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise the local library ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{Operation: "status"}, false)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status()
		if err != nil {
			return err
		}

		lastSync := "never"
		if st.LastSyncAt != nil {
			lastSync = fmt.Sprintf("%s (%s)", st.LastSyncAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(*st.LastSyncAt))
		}
		fmt.Printf("Files:       %s\n", humanize.Comma(int64(st.Files)))
		fmt.Printf("Total size:  %s\n", humanize.IBytes(uint64(st.TotalSizeBytes)))
		fmt.Printf("Last sync:   %s\n", lastSync)
		fmt.Printf("Sync count:  %d\n", st.SyncCount)
		if st.LastCommitID != "" {
			fmt.Printf("Last commit: %s\n", st.LastCommitID)
		}

		if byFolder, _ := cmd.Flags().GetBool("folders"); byFolder && len(st.Folders) > 0 {
			fmt.Println()
			for _, f := range st.Folders {
				fmt.Printf("  %-24s %8s files  %10s\n", f.Name, humanize.Comma(int64(f.Files)), humanize.IBytes(uint64(f.Bytes)))
			}
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(app.Options{Operation: "history"}, false)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}

		for _, r := range runs {
			fmt.Printf("%s  %-9s  %-12s  %8s  +%d ~%d -%d !%d",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				r.Mode,
				r.Duration().Truncate(time.Millisecond),
				r.Counts.Downloaded,
				r.Counts.Updated,
				r.Counts.Deleted,
				r.Counts.Errors,
			)
			if r.Message != "" {
				fmt.Printf("  %s", r.Message)
			}
			fmt.Println()
		}
		return nil
	},
}

// auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage server credentials",
}

var authSetTokenCmd = &cobra.Command{
	Use:   "set-token [TOKEN]",
	Short: "Store the server bearer token encrypted with a passphrase",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		var token string
		if len(args) > 0 {
			token = args[0]
		} else {
			token, err = credentials.PromptPassphrase("Token: ")
			if err != nil {
				return err
			}
		}

		pass, err := credentials.PromptPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := credentials.PromptPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		store := credentials.NewTokenStore(cfg.Credentials.TokenPath)
		if err := store.Save(token, pass); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
		fmt.Printf("Token saved to %s\n", store.Path())
		return nil
	},
}

// room command
var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Listening rooms",
}

var roomJoinCmd = &cobra.Command{
	Use:   "join ROOM_ID",
	Short: "Join a listening room and follow its playback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{Operation: "room", Console: os.Stderr}, true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		session, err := a.JoinRoom(ctx, args[0], room.NewConsolePlayer(a.Logger()))
		if err != nil {
			return err
		}
		defer session.Close()

		fmt.Printf("Joined room %s; type play, pause, seek MS or queue commands, Ctrl-C to leave.\n", args[0])
		go readRoomCommands(os.Stdin, room.NewController(session))
		return session.Run(ctx)
	},
}

var roomSendCmd = &cobra.Command{
	Use:   "send ROOM_ID COMMAND...",
	Short: "Send one playback command (play, pause, seek, queue) to a room",
	Example: `  medsync room send living-room play Music/Album/song.mp3
  medsync room send living-room seek 90000
  medsync room send living-room queue clear`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{Operation: "room", Console: os.Stderr}, true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := a.SendRoomCommand(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Println("Sent.")
		return nil
	},
}

// readRoomCommands feeds stdin lines to c until stdin closes.
func readRoomCommands(r io.Reader, c *room.Controller) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := c.Exec(scanner.Text()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("server", "", "Media server base URL")

	// auth subcommands
	authCmd.AddCommand(authSetTokenCmd)

	// room subcommands
	roomCmd.AddCommand(roomJoinCmd)
	roomCmd.AddCommand(roomSendCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolP("folders", "f", false, "Break the summary down by top-level folder")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(roomCmd)
}
