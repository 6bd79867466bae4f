// Package stream batches run output into bounded, ordered delivery chunks.
//
// Chat transports dislike one message per output line; the broker collects a
// burst of lines within a flush interval, then splits the batch into chunks
// that respect a character limit without breaking inside a line when that
// can be avoided.
package stream

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// HardChunkLimit is the protocol ceiling on one delivery unit (the Telegram
// message size limit). Configured limits are capped here.
const HardChunkLimit = 4096

// SendFunc delivers one chunk to the transport. final marks the last chunk
// flushed while the broker is stopping.
type SendFunc func(chunk string, final bool)

// Config controls batching and splitting.
type Config struct {
	FlushInterval    time.Duration
	ChunkLimit       int
	IncludeStderr    bool
	ProgressInterval time.Duration // 0 disables the waiting notice
}

// Broker is the per-run output throttler.
type Broker struct {
	cfg  Config
	send SendFunc

	mu            sync.Mutex
	buffer        []string
	lastContentAt time.Time

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a broker. Call Start to begin flushing.
func New(cfg Config, send SendFunc) *Broker {
	if cfg.ChunkLimit <= 0 || cfg.ChunkLimit > HardChunkLimit {
		cfg.ChunkLimit = HardChunkLimit
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Broker{
		cfg:           cfg,
		send:          send,
		done:          make(chan struct{}),
		lastContentAt: time.Now(),
	}
}

// Start launches the flush loop and, when configured, the progress ticker.
func (b *Broker) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.done:
				return
			case <-ticker.C:
				b.flush(false)
			}
		}
	}()

	if b.cfg.ProgressInterval > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ticker := time.NewTicker(b.cfg.ProgressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-b.done:
					return
				case <-ticker.C:
					b.progressTick()
				}
			}
		}()
	}
}

// Stop halts the loops and performs a final flush of anything buffered.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
	b.flush(true)
}

// Push buffers one output line. stderr lines are tagged, and dropped
// entirely unless stderr inclusion is configured.
func (b *Broker) Push(line string, stderr bool) {
	if stderr {
		if !b.cfg.IncludeStderr {
			return
		}
		line = "[stderr] " + line
	}
	b.mu.Lock()
	b.buffer = append(b.buffer, line)
	b.lastContentAt = time.Now()
	b.mu.Unlock()
}

func (b *Broker) flush(final bool) {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	content := strings.Join(b.buffer, "\n")
	b.buffer = b.buffer[:0]
	b.mu.Unlock()

	for _, chunk := range SplitChunks(content, b.cfg.ChunkLimit) {
		b.send(chunk, final)
	}
}

// progressTick emits a synthetic waiting notice when the run has produced
// nothing for a full progress interval, so the remote caller knows the task
// is still alive.
func (b *Broker) progressTick() {
	b.mu.Lock()
	idle := time.Since(b.lastContentAt)
	quiet := len(b.buffer) == 0 && idle >= b.cfg.ProgressInterval
	b.mu.Unlock()

	if quiet {
		b.send(fmt.Sprintf("progress: still running, waited %ds", int(idle.Seconds())), false)
	}
}

// SplitChunks splits content into ordered chunks of at most limit bytes.
// Splits land on line boundaries whenever possible; only a single line
// longer than the limit is cut mid-line. Concatenating the chunks yields
// the original content.
func SplitChunks(content string, limit int) []string {
	if limit <= 0 || limit > HardChunkLimit {
		limit = HardChunkLimit
	}
	if len(content) <= limit {
		return []string{content}
	}

	var (
		chunks []string
		cur    strings.Builder
	)
	for _, line := range strings.SplitAfter(content, "\n") {
		for len(line) > limit {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if cur.Len()+len(line) > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
