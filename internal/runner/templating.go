package runner

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/google/uuid"
)

const (
	// DefaultCommand fetches Size bytes from the destination at Rate bytes
	// per second, bound to the sampled source address.
	DefaultCommand = `wget -q -O /dev/null --limit-rate {{.Rate}} --bind-address {{.Source}} http://{{.Destination}}:8080/{{.Size}}`

	// DryRunCommand sleeps for as long as the transfer would take.
	DryRunCommand = `sleep {{.Seconds}}`
)

// TemplateEngine renders worker command lines.
type TemplateEngine struct {
	fileCache map[string][]string
	mu        sync.RWMutex
	funcMap   template.FuncMap
}

// TemplateData is passed to the execution context
type TemplateData struct {
	Phase       int
	Source      string
	Destination string
	Rate        string // as written in the spec, e.g. "1M"
	Size        string // as written in the spec, e.g. "6G"
	RateBytes   int64  // bytes per second
	SizeBytes   int64  // bytes
	Seconds     string // Size / Rate, formatted for sleep(1)
	UUID        string
}

func newTemplateData(req WorkerRequest) TemplateData {
	secs := 0.0
	if req.Rate.Bytes > 0 {
		secs = req.Size.Bytes / req.Rate.Bytes
	}
	return TemplateData{
		Phase:       req.Phase,
		Source:      req.Source.String(),
		Destination: req.Destination,
		Rate:        req.Rate.String(),
		Size:        req.Size.String(),
		RateBytes:   req.Rate.Int64(),
		SizeBytes:   req.Size.Int64(),
		Seconds:     strconv.FormatFloat(math.Round(secs*1000)/1000, 'f', -1, 64),
		UUID:        uuid.NewString(),
	}
}

// NewTemplateEngine initializes the engine and its functions
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		fileCache: make(map[string][]string),
	}

	e.funcMap = template.FuncMap{
		"randomInt":    e.randomInt,
		"randomChoice": e.randomChoice,
		"randomLine":   e.randomLine,
		"uuid":         uuid.NewString,
	}

	return e
}

// Preprocess converts the bare placeholders accepted on the command line,
// such as {{rate}}, to template field syntax.
func (e *TemplateEngine) Preprocess(input string) string {
	r := strings.NewReplacer(
		"{{rate}}", "{{.Rate}}",
		"{{size}}", "{{.Size}}",
		"{{src}}", "{{.Source}}",
		"{{source}}", "{{.Source}}",
		"{{dst}}", "{{.Destination}}",
		"{{destination}}", "{{.Destination}}",
		"{{seconds}}", "{{.Seconds}}",
	)
	return r.Replace(input)
}

// SplitWords splits a command template on whitespace outside {{ }} actions,
// so "--limit-rate {{randomChoice "1M" "2M"}}" yields two words. Text between
// {{if}} and {{end}} is not an action, so a block must not contain spaces.
func SplitWords(text string) []string {
	var (
		words []string
		cur   strings.Builder
		depth int
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(text); i++ {
		switch {
		case strings.HasPrefix(text[i:], "{{"):
			depth++
			cur.WriteString("{{")
			i++
		case depth > 0 && strings.HasPrefix(text[i:], "}}"):
			depth--
			cur.WriteString("}}")
			i++
		case depth == 0 && (text[i] == ' ' || text[i] == '\t' || text[i] == '\n' || text[i] == '\r'):
			flush()
		default:
			cur.WriteByte(text[i])
		}
	}
	flush()
	return words
}

// Parse creates a new template with the engine's functions
func (e *TemplateEngine) Parse(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(e.funcMap).Option("missingkey=error").Parse(e.Preprocess(text))
}

// Execute runs the template with data
func (e *TemplateEngine) Execute(t *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// --- Functions ---

func (e *TemplateEngine) randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.IntN(max-min) + min
}

func (e *TemplateEngine) randomChoice(choices ...string) string {
	if len(choices) == 0 {
		return ""
	}
	return choices[rand.IntN(len(choices))]
}

func (e *TemplateEngine) randomLine(filename string) (string, error) {
	e.mu.RLock()
	lines, ok := e.fileCache[filename]
	e.mu.RUnlock()

	if !ok {
		var err error
		if lines, err = e.loadLines(filename); err != nil {
			return "", err
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	return lines[rand.IntN(len(lines))], nil
}

func (e *TemplateEngine) loadLines(filename string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double check
	if lines, ok := e.fileCache[filename]; ok {
		return lines, nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file '%s': %w", filename, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	var loaded []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			loaded = append(loaded, line)
		}
	}

	e.fileCache[filename] = loaded
	return loaded, nil
}
