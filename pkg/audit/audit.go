package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/taskvault/taskvault/pkg/types"
)

// Journal writes the append-only START/END log, per-invocation JSON records
// and daily usage counters. All three live under the state directory and
// form part of the external interface consumed by reporting tools.
type Journal struct {
	journalPath string
	auditDir    string
	usageDir    string
}

// New creates a journal rooted at stateDir
func New(stateDir string) (*Journal, error) {
	j := &Journal{
		journalPath: filepath.Join(stateDir, "journal.log"),
		auditDir:    filepath.Join(stateDir, "audit"),
		usageDir:    filepath.Join(stateDir, "usage"),
	}
	for _, dir := range []string{j.auditDir, j.usageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating audit dirs: %w", err)
		}
	}
	return j, nil
}

// Start appends a START line keyed by (task, pid)
func (j *Journal) Start(task, file, backend string, pid int, session string) error {
	line := fmt.Sprintf("%s START %s %s %s pid=%d",
		time.Now().UTC().Format(time.RFC3339), task, file, backend, pid)
	if session != "" {
		line += " session=" + session
	}
	return j.appendLine(line)
}

// End appends the matching END line
func (j *Journal) End(task, file, backend string, pid, exit, turns int) error {
	line := fmt.Sprintf("%s END %s %s %s pid=%d exit=%d turns=%d",
		time.Now().UTC().Format(time.RFC3339), task, file, backend, pid, exit, turns)
	return j.appendLine(line)
}

func (j *Journal) appendLine(line string) error {
	f, err := os.OpenFile(j.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("appending journal line: %w", err)
	}
	return nil
}

// WriteRecord stores the per-invocation record under audit/<task>/<ts>.json
func (j *Journal) WriteRecord(rec types.AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	dir := filepath.Join(j.auditDir, rec.Task)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating task audit dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	name := rec.Timestamp.UTC().Format("20060102T150405.000000000") + ".json"
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	return nil
}

// usageCounters is the daily per-backend usage file shape
type usageCounters struct {
	TotalTurns int      `json:"total_turns"`
	TaskCount  int      `json:"task_count"`
	Tasks      []string `json:"tasks"`
}

// UpdateUsage bumps today's counters for a backend. The whole file is read,
// modified and renamed back so concurrent reporting tools never see a torn
// write.
func (j *Journal) UpdateUsage(backend string, turns int, task string) error {
	path := filepath.Join(j.usageDir, time.Now().UTC().Format("2006-01-02")+".json")

	usage := map[string]*usageCounters{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &usage); err != nil {
			// A corrupt usage file is rebuilt rather than fatal
			usage = map[string]*usageCounters{}
		}
	}

	c := usage[backend]
	if c == nil {
		c = &usageCounters{}
		usage[backend] = c
	}
	c.TotalTurns += turns

	seen := false
	for _, t := range c.Tasks {
		if t == task {
			seen = true
			break
		}
	}
	if !seen {
		c.Tasks = append(c.Tasks, task)
		c.TaskCount = len(c.Tasks)
	}

	data, err := json.MarshalIndent(usage, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling usage: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing usage: %w", err)
	}
	return nil
}

// CheckIncomplete scans the journal for START lines with no matching END,
// keyed by (task, pid). Unmatched pairs are an operator signal reported at
// startup, not a recovery trigger.
func (j *Journal) CheckIncomplete() ([]string, error) {
	f, err := os.Open(j.journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	open := map[string]string{} // (task,pid) key -> task

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// <iso> START|END <task> <file> <backend> pid=<N> ...
		if len(fields) < 6 {
			continue
		}
		verb, task := fields[1], fields[2]
		pid := ""
		for _, fld := range fields[5:] {
			if strings.HasPrefix(fld, "pid=") {
				pid = strings.TrimPrefix(fld, "pid=")
				break
			}
		}
		if pid == "" {
			continue
		}
		key := task + "/" + pid
		switch verb {
		case "START":
			open[key] = task
		case "END":
			delete(open, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning journal: %w", err)
	}

	var incomplete []string
	for _, task := range open {
		incomplete = append(incomplete, task)
	}
	return incomplete, nil
}
