package device

// Stream is a serial executor: submitted work runs in issue order on one
// goroutine, like kernels on a device stream.
type Stream struct {
	work chan func()
	sync chan struct{}
}

func NewStream() *Stream {
	s := &Stream{work: make(chan func(), 64), sync: make(chan struct{})}
	go s.run()
	return s
}

func (s *Stream) run() {
	for f := range s.work {
		if f == nil {
			s.sync <- struct{}{}
			continue
		}
		f()
	}
}

// Run enqueues f; it executes after everything enqueued before it.
func (s *Stream) Run(f func()) { s.work <- f }

// Sync blocks until all previously enqueued work has finished.
func (s *Stream) Sync() {
	s.work <- nil
	<-s.sync
}

// Record returns an event that fires once the stream reaches this point.
func (s *Stream) Record() Event {
	e := make(Event)
	s.work <- func() { close(e) }
	return e
}

// Close drains the stream and stops its goroutine.
func (s *Stream) Close() {
	s.Sync()
	close(s.work)
}

// Event signals a point in a stream's execution order.
type Event chan struct{}

// Wait blocks the caller until the event has fired.
func (e Event) Wait() { <-e }
