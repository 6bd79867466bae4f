package runner

import (
	"bytes"
	"os/exec"
	"strings"

	"github.com/creack/pty"
)

// Some interactive CLIs probe the cursor position before accepting input.
// The bridge answers the probe itself so the child never blocks on it.
const (
	cprRequest  = "\x1b[6n"
	cprResponse = "\x1b[1;1R"

	ptyRows = 24
	ptyCols = 80

	ptyReadBufferLen = 4096
)

// startPTY launches the child under a pseudo-terminal and, in stdin mode,
// writes the command through the terminal master.
func startPTY(cmd *exec.Cmd, input, inputMode string) (*process, error) {
	ptmx, err := pty.StartWithAttrs(cmd, nil, cmd.SysProcAttr)
	if err != nil {
		return nil, err
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})

	if inputMode == "stdin" {
		ptmx.WriteString(input)
	}
	return &process{cmd: cmd, pty: ptmx}, nil
}

// readPTY assembles lines from the raw terminal byte stream. The trailing
// three bytes are held back so a cursor-position probe split across reads is
// still recognized and answered.
func (p *process) readPTY(handle func(line string, s Stream)) {
	var (
		raw  []byte
		text string
		buf  = make([]byte, ptyReadBufferLen)
	)
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			raw = append(raw, buf[:n]...)

			for {
				idx := bytes.Index(raw, []byte(cprRequest))
				if idx < 0 {
					break
				}
				text += string(raw[:idx])
				raw = append([]byte(nil), raw[idx+len(cprRequest):]...)
				p.pty.WriteString(cprResponse)
			}

			if len(raw) > 3 {
				text += string(raw[:len(raw)-3])
				raw = append([]byte(nil), raw[len(raw)-3:]...)
			}

			for {
				nl := strings.IndexByte(text, '\n')
				if nl < 0 {
					break
				}
				line := strings.TrimRight(text[:nl], "\r")
				text = text[nl+1:]
				if line != "" {
					handle(line, StreamStdout)
				}
			}
		}
		if err != nil {
			// EOF, or EIO once the child side of the terminal closes.
			break
		}
	}

	text += string(raw)
	if rest := strings.TrimSpace(text); rest != "" {
		handle(rest, StreamStdout)
	}
}
