package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// hourlyWriter is the audit stream's file layer. Each UTC hour gets its own
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir; the first write of a new
// hour closes the previous file. Every line is flushed before Write returns.
// A restart within the same hour reopens that hour's file for append, adding
// a new zstd frame that ReadAuditFile reads straight through.
type hourlyWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func newHourlyWriter(baseDir, prefix string) *hourlyWriter {
	return &hourlyWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *hourlyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *hourlyWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now
	if w.now != nil {
		now = w.now
	}
	hour := now().UTC().Format(hourLayout)
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *hourlyWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *hourlyWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *hourlyWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, w.prefix+"-"+hour+hourlyExt)
}

const (
	hourLayout = "2006-01-02-15"
	hourlyExt  = ".jsonl.zst"
	auditDir   = "audit"
)

// AuditDir is where NewAuditLogger(dataDir) keeps its hourly files.
func AuditDir(dataDir string) string { return filepath.Join(dataDir, auditDir) }

// AuditFiles lists the hourly audit files under dir, oldest hour first.
func AuditFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, auditDir+"-") || !strings.HasSuffix(name, hourlyExt) {
			continue
		}
		hour := strings.TrimSuffix(strings.TrimPrefix(name, auditDir+"-"), hourlyExt)
		if _, err := time.Parse(hourLayout, hour); err != nil {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// AuditEntry is one accepted or denied structure edit.
type AuditEntry struct {
	Seq         uint64 `json:"seq"`
	TimeMS      int64  `json:"ts_ms"`
	Actor       string `json:"actor"`
	Action      string `json:"action"`
	Remote      bool   `json:"remote,omitempty"`
	Cell        [2]int `json:"cell"`
	Variant     string `json:"variant,omitempty"`
	Material    string `json:"material,omitempty"`
	StructureID string `json:"structure_id,omitempty"`
	OK          bool   `json:"ok"`
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// AuditLogger writes audit JSONL entries (compressed).
type AuditLogger struct{ w *hourlyWriter }

func NewAuditLogger(dataDir string) *AuditLogger {
	return &AuditLogger{w: newHourlyWriter(AuditDir(dataDir), auditDir)}
}

func (l *AuditLogger) WriteAudit(e AuditEntry) error { return l.w.Write(e) }
func (l *AuditLogger) Close() error                  { return l.w.Close() }

// ReadAuditFile decodes every entry of one hourly audit file.
func ReadAuditFile(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return out, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
