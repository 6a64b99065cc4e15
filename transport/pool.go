package transport

import "sync"

// inboundPool processes inbound traffic of unreliable connections off the socket reader.
// Traffic of a connection always runs on the same worker, in arrival order.
type inboundPool struct {
	queues []chan inboundJob
	wg     sync.WaitGroup
}

type inboundJob struct {
	conn Connection
	in   Inbound
}

func newInboundPool(workers, depth int, run func(Connection, Inbound)) *inboundPool {
	p := &inboundPool{queues: make([]chan inboundJob, workers)}
	for i := range p.queues {
		q := make(chan inboundJob, depth)
		p.queues[i] = q
		p.wg.Go(func() {
			for job := range q {
				run(job.conn, job.in)
			}
		})
	}
	return p
}

// submit reports false when the worker queue of the connection is full.
func (p *inboundPool) submit(conn Connection, in Inbound) bool {
	q := p.queues[uint64(conn.ID())%uint64(len(p.queues))]
	select {
	case q <- inboundJob{conn, in}:
		return true
	default:
		return false
	}
}

// stop waits for queued traffic to be processed, no submits are allowed after it.
func (p *inboundPool) stop() {
	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
}
