package room

// Queue helpers return the new queue and current index. Each reports false
// when an index is out of range, leaving the inputs untouched.

func insertTrack(queue []TrackRef, current, index int, track TrackRef) ([]TrackRef, int, bool) {
	if index < 0 || index > len(queue) {
		return queue, current, false
	}
	out := make([]TrackRef, 0, len(queue)+1)
	out = append(out, queue[:index]...)
	out = append(out, track)
	out = append(out, queue[index:]...)
	if len(queue) > 0 && index <= current {
		current++
	}
	return out, current, true
}

func moveTrack(queue []TrackRef, current, from, to int) ([]TrackRef, int, bool) {
	if from < 0 || from >= len(queue) || to < 0 || to >= len(queue) {
		return queue, current, false
	}
	out := append([]TrackRef(nil), queue...)
	track := out[from]
	out = append(out[:from], out[from+1:]...)
	out = append(out[:to], append([]TrackRef{track}, out[to:]...)...)

	switch {
	case current == from:
		current = to
	case from < current && to >= current:
		current--
	case from > current && to <= current:
		current++
	}
	return out, current, true
}

func removeTrack(queue []TrackRef, current, index int) ([]TrackRef, int, bool) {
	if index < 0 || index >= len(queue) {
		return queue, current, false
	}
	out := make([]TrackRef, 0, len(queue)-1)
	out = append(out, queue[:index]...)
	out = append(out, queue[index+1:]...)
	if index < current || (index == current && current == len(out) && current > 0) {
		current--
	}
	return out, current, true
}
