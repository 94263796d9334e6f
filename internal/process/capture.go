package process

import (
	"bytes"
	"fmt"

	"github.com/mattn/go-shellwords"
)

// cappedBuffer keeps the first max bytes written to it and silently drops the
// rest, so a chatty child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{max: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

// Split tokenizes a configured command prefix such as
// `kubectl --context "prod cluster"` into an argument vector. Quoting and
// escaping follow shell rules; variables and backticks are not expanded.
func Split(commandLine string) ([]string, error) {
	p := shellwords.NewParser()
	p.ParseEnv = false
	p.ParseBacktick = false
	args, err := p.Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", commandLine, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command %q is empty", commandLine)
	}
	return args, nil
}
