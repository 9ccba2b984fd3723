package moquette

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"sync/atomic"

	"github.com/IceFoxs/moquette/packets"
)

const (
	// writerQueueSize is the outbound packet queue capacity per connection.
	// A full queue means the transport is not draining; the connection is
	// considered unwritable until the queue empties again.
	writerQueueSize = 128
)

// writeJob is a queued outbound packet, or a bare flush request.
type writeJob struct {
	pk    packets.Packet
	flush bool
	only  bool        // flush only, no packet.
	then  func(error) // completion callback, invoked after the bytes are written.
}

// writer drains a bounded queue of outbound packets onto the transport in a
// dedicated goroutine. It is the connection's asynchronous write channel;
// queue capacity is the connection's writability.
type writer struct {
	conn        net.Conn
	w           *bufio.Writer
	jobs        chan writeJob
	done        chan struct{}
	stopOnce    sync.Once
	ended       sync.WaitGroup
	notWritable int32       // set when a packet had to be dropped on a full queue.
	onWritable  func()      // invoked when capacity returns after a drop.
	onError     func(error) // invoked when a transport write fails.
}

// newWriter returns a writer for the connection transport.
func newWriter(conn net.Conn) *writer {
	return &writer{
		conn: conn,
		w:    bufio.NewWriter(conn),
		jobs: make(chan writeJob, writerQueueSize),
		done: make(chan struct{}),
	}
}

// start begins draining the queue.
func (w *writer) start() {
	w.ended.Add(1)
	go w.run()
}

func (w *writer) run() {
	defer w.ended.Done()
	for {
		select {
		case <-w.done:
			return
		case job := <-w.jobs:
			err := w.process(job)
			if job.then != nil {
				job.then(err)
			}
			if err != nil {
				// The error handler closes the connection, which waits for
				// this goroutine to end; run it on its own goroutine.
				if w.onError != nil {
					go w.onError(err)
				}
				return
			}

			// If packets were dropped while the queue was full, signal
			// restored writability once it fully drains.
			if atomic.LoadInt32(&w.notWritable) == 1 && len(w.jobs) == 0 {
				atomic.StoreInt32(&w.notWritable, 0)
				if w.onWritable != nil {
					w.onWritable()
				}
			}
		}
	}
}

// process writes a single job to the transport.
func (w *writer) process(job writeJob) error {
	if !job.only {
		buf := new(bytes.Buffer)
		if err := job.pk.Encode(buf); err != nil {
			return err
		}

		if _, err := w.w.Write(buf.Bytes()); err != nil {
			return err
		}
	}

	if job.flush {
		return w.w.Flush()
	}

	return nil
}

// write enqueues a packet, blocking while the queue is full. Returns false
// if the writer has been stopped.
func (w *writer) write(pk packets.Packet, flush bool, then func(error)) bool {
	select {
	case w.jobs <- writeJob{pk: pk, flush: flush, then: then}:
		return true
	case <-w.done:
		return false
	}
}

// tryWrite enqueues a packet without blocking. Returns false if the queue
// is full, marking the connection unwritable.
func (w *writer) tryWrite(pk packets.Packet, flush bool) bool {
	select {
	case w.jobs <- writeJob{pk: pk, flush: flush}:
		return true
	case <-w.done:
		return false
	default:
		atomic.StoreInt32(&w.notWritable, 1)
		return false
	}
}

// flush enqueues a bare flush of the buffered transport writer.
func (w *writer) flush() {
	select {
	case w.jobs <- writeJob{only: true, flush: true}:
	case <-w.done:
	default:
	}
}

// stop halts the drain goroutine and waits for it to end. Queued packets
// which have not been written are discarded.
func (w *writer) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.ended.Wait()
}
