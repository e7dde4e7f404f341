// Package logs writes item error logs and provides the message sinks items report through.
package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leapstack-labs/leapflow/internal/archive"
	"golang.org/x/net/html"
)

// Error log kinds.
const (
	KindRead   = "read"
	KindImport = "import"
	KindExport = "export"
	KindMerge  = "merge"
)

// ErrorLogName returns the file name of an error log of kind written at t.
func ErrorLogName(kind string, t time.Time) string {
	return archive.Timestamp(t) + "_" + kind + "_error.log"
}

// WriteErrorLog writes one error per line to a new time-stamped log in dir and returns its path.
func WriteErrorLog(dir, kind string, errs []string) (string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, ErrorLogName(kind, time.Now()))
	content := strings.Join(errs, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return "", fmt.Errorf("failed to write error log: %w", err)
	}
	return path, nil
}

// Anchor returns a clickable HTML reference to path.
func Anchor(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(abs)
	return fmt.Sprintf("<a title='%s' href='file:///%s'>%s</a>",
		html.EscapeString(abs),
		html.EscapeString(strings.TrimPrefix(abs, "/")),
		html.EscapeString(filepath.Base(abs)),
	)
}

// PlainText strips markup from a message, rendering anchors as "text (title)".
func PlainText(msg string) string {
	if !strings.ContainsAny(msg, "<&") {
		return msg
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(msg))
	var title string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken:
			tok := z.Token()
			if tok.Data != "a" {
				continue
			}
			for _, attr := range tok.Attr {
				if attr.Key == "title" {
					title = attr.Val
				}
			}
		case html.EndTagToken:
			if tok := z.Token(); tok.Data == "a" && title != "" {
				b.WriteString(" (" + title + ")")
				title = ""
			}
		}
	}
}
