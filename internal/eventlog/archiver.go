package eventlog

// ArchiverHook is an optional callback invoked when trims delete ranges.
type ArchiverHook interface {
	EmitTrimRange(namespace, topic string, minSeq, maxSeq uint64)
}

// ArchiverFunc adapts a function to ArchiverHook.
type ArchiverFunc func(namespace, topic string, minSeq, maxSeq uint64)

// EmitTrimRange implements ArchiverHook.
func (f ArchiverFunc) EmitTrimRange(namespace, topic string, minSeq, maxSeq uint64) {
	f(namespace, topic, minSeq, maxSeq)
}

type noopArchiver struct{}

func (noopArchiver) EmitTrimRange(string, string, uint64, uint64) {}

// SetArchiver installs h; nil restores the no-op hook.
func (l *Log) SetArchiver(h ArchiverHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		h = noopArchiver{}
	}
	l.archiver = h
}

func (l *Log) archiverHook() ArchiverHook {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.archiver
}
