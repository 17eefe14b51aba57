package client

// listeners is an ordered observer list. It is not safe for concurrent use;
// controllers guard it with their own mutex and call the snapshot outside
// the lock.
type listeners[S any] struct {
	next int
	fns  map[int]func(S)
	ids  []int
}

func (l *listeners[S]) add(fn func(S)) int {
	if l.fns == nil {
		l.fns = make(map[int]func(S))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.ids = append(l.ids, id)
	return id
}

func (l *listeners[S]) remove(id int) {
	delete(l.fns, id)
	for i, v := range l.ids {
		if v == id {
			l.ids = append(l.ids[:i:i], l.ids[i+1:]...)
			return
		}
	}
}

func (l *listeners[S]) clear() {
	l.fns = nil
	l.ids = nil
}

func (l *listeners[S]) snapshot() []func(S) {
	out := make([]func(S), 0, len(l.ids))
	for _, id := range l.ids {
		out = append(out, l.fns[id])
	}
	return out
}

func notify[S any](fns []func(S), st S) {
	for _, fn := range fns {
		fn(st)
	}
}
