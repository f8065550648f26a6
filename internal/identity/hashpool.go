package identity

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/netmapper/fabric/internal/domain/model"
)

// HashPoolSize keeps bcrypt off the request handlers without letting it
// saturate the process.
const HashPoolSize = 4

type hashJob struct {
	run  func() (string, error)
	done chan hashResult
}

type hashResult struct {
	value string
	err   error
}

// HashPool serializes CPU-bound password hashing onto a fixed set of
// workers.
type HashPool struct {
	jobs chan hashJob
	stop chan struct{}
}

func NewHashPool(size int) *HashPool {
	if size <= 0 {
		size = HashPoolSize
	}
	p := &HashPool{
		jobs: make(chan hashJob),
		stop: make(chan struct{}),
	}
	for range size {
		go p.worker()
	}
	return p
}

func (p *HashPool) worker() {
	for {
		select {
		case <-p.stop:
			return
		case job := <-p.jobs:
			value, err := job.run()
			job.done <- hashResult{value: value, err: err}
		}
	}
}

func (p *HashPool) submit(ctx context.Context, run func() (string, error)) (string, error) {
	job := hashJob{run: run, done: make(chan hashResult, 1)}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case p.jobs <- job:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-job.done:
		return res.value, res.err
	}
}

// Hash produces a bcrypt hash for a plaintext password.
func (p *HashPool) Hash(ctx context.Context, password string) (string, error) {
	return p.submit(ctx, func() (string, error) {
		b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		return string(b), err
	})
}

// Compare checks a plaintext password against a stored hash, reporting
// model.ErrUnauthenticated on mismatch or empty hash.
func (p *HashPool) Compare(ctx context.Context, hash, password string) error {
	if hash == "" {
		return model.ErrUnauthenticated
	}
	_, err := p.submit(ctx, func() (string, error) {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
			return "", model.ErrUnauthenticated
		}
		return "", nil
	})
	return err
}

// Close stops the workers; pending submissions fail via their contexts.
func (p *HashPool) Close() { close(p.stop) }
