// Package transcript reads the JSONL session transcripts the claude CLI
// keeps under ~/.claude/projects and feeds them into the message log.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/joescharf/agentdesk/internal/messagelog"
	"github.com/joescharf/agentdesk/internal/models"
)

// maxLineSize bounds a single transcript line. Tool results with large file
// contents routinely exceed bufio's 64KB default.
const maxLineSize = 16 << 20

// DefaultRoot returns ~/.claude/projects.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// ProjectDir returns the transcript directory for a working directory.
// The CLI encodes the path by replacing every slash with a dash.
func ProjectDir(root, cwd string) string {
	return filepath.Join(root, strings.ReplaceAll(cwd, "/", "-"))
}

// File returns the transcript path of one upstream session.
func File(root, cwd, upstreamID string) string {
	return filepath.Join(ProjectDir(root, cwd), upstreamID+".jsonl")
}

// List returns the upstream session ids that have a transcript for cwd.
// A missing project directory yields no ids.
func List(root, cwd string) ([]string, error) {
	entries, err := os.ReadDir(ProjectDir(root, cwd))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transcript dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Parse converts transcript lines into message records in file order.
// Only user and assistant lines carrying a message are kept; snapshots,
// summaries and malformed lines are skipped. Lines without a uuid get a
// positional id so re-reading the same file yields the same ids.
func Parse(r io.Reader) ([]messagelog.Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var recs []messagelog.Record
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || !gjson.ValidBytes(line) {
			continue
		}
		rec, ok := parseLine(gjson.ParseBytes(line), len(recs))
		if !ok {
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return recs, fmt.Errorf("read transcript: %w", err)
	}
	return recs, nil
}

func parseLine(v gjson.Result, index int) (messagelog.Record, bool) {
	typ := v.Get("type").String()
	if typ != string(models.MessageTypeUser) && typ != string(models.MessageTypeAssistant) {
		return messagelog.Record{}, false
	}
	msg := v.Get("message")
	if !msg.Exists() {
		return messagelog.Record{}, false
	}

	rec := messagelog.Record{
		ExternalID: v.Get("uuid").String(),
		Type:       models.MessageType(typ),
		Content:    ParseContent(msg.Get("content")),
	}
	if rec.ExternalID == "" {
		rec.ExternalID = typ + "-" + strconv.Itoa(index)
	}
	if rec.Type == models.MessageTypeAssistant {
		rec.Model = msg.Get("model").String()
		if cost := v.Get("costUSD"); cost.Exists() {
			c := cost.Float()
			rec.Cost = &c
		}
	}
	return rec, true
}

// ParseContent accepts message content as either a plain string or an
// array of typed blocks.
func ParseContent(v gjson.Result) []models.ContentBlock {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return nil
	case v.Type == gjson.String:
		return []models.ContentBlock{models.TextBlock(v.String())}
	case v.IsArray():
		var blocks []models.ContentBlock
		if err := json.Unmarshal([]byte(v.Raw), &blocks); err == nil {
			return blocks
		}
		// Fall back to keeping whatever text is recoverable.
		blocks = nil
		for _, b := range v.Array() {
			if t := b.Get("text"); t.Exists() {
				blocks = append(blocks, models.TextBlock(t.String()))
			}
		}
		return blocks
	default:
		return []models.ContentBlock{models.TextBlock(v.Raw)}
	}
}
