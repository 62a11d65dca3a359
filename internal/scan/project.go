package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// RunMode selects how the engine evaluates a project.
type RunMode int

const (
	// ModeExploration tabulates condition outputs per bar instead of
	// simulating a trade sequence.
	ModeExploration RunMode = 1
)

// Periodicity is the engine's bar-interval code.
type Periodicity int

const (
	Periodicity1Min  Periodicity = 5
	Periodicity5Min  Periodicity = 6
	Periodicity15Min Periodicity = 7
	PeriodicityHour  Periodicity = 9
	PeriodicityDaily Periodicity = 11
)

var periodicityByInterval = map[time.Duration]Periodicity{
	time.Minute:      Periodicity1Min,
	5 * time.Minute:  Periodicity5Min,
	15 * time.Minute: Periodicity15Min,
	time.Hour:        PeriodicityHour,
	24 * time.Hour:   PeriodicityDaily,
}

// PeriodicityFor maps a bar interval to the engine's code, falling
// back to 1-minute when the interval is not in the supported set.
func PeriodicityFor(interval time.Duration) Periodicity {
	if p, ok := periodicityByInterval[interval]; ok {
		return p
	}
	return Periodicity1Min
}

// Project is a packaged strategy evaluation: the transformed formula
// plus its execution metadata, written out in the engine's accepted
// project format.
type Project struct {
	ID          string
	Symbol      string
	Mode        RunMode
	Periodicity Periodicity
	FormulaPath string
	ProjectPath string
	ResultPath  string
}

var formulaElementRe = regexp.MustCompile(`(?s)(<FormulaContent>)(.*?)(</FormulaContent>)`)

// packager writes project artifacts to a working directory and caches
// them by formula hash so an unchanged strategy reuses its files.
type packager struct {
	dir      string
	template string

	lastHash string
	cached   *Project
}

func newPackager(dir, template string) (*packager, error) {
	if !formulaElementRe.MatchString(template) {
		return nil, errors.New("project template is missing the FormulaContent element")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifact dir")
	}
	return &packager{dir: dir, template: template}, nil
}

// Package materializes the formula as project artifacts. A formula
// identical to the previous call returns the cached project untouched.
func (p *packager) Package(formula, symbol string, periodicity Periodicity) (*Project, error) {
	sum := sha256.Sum256([]byte(formula))
	hash := hex.EncodeToString(sum[:])
	if hash == p.lastHash && p.cached != nil {
		logs.Debugf("formula unchanged (hash=%s…); reusing cached project", hash[:12])
		return p.cached, nil
	}

	p.Cleanup()

	id := uuid.NewString()[:8]
	project := &Project{
		ID:          "live_scan_" + id,
		Symbol:      symbol,
		Mode:        ModeExploration,
		Periodicity: periodicity,
		FormulaPath: filepath.Join(p.dir, "live_scan_"+id+".formula"),
		ProjectPath: filepath.Join(p.dir, "live_scan_"+id+".project"),
		ResultPath:  filepath.Join(p.dir, "live_scan_"+id+".csv"),
	}

	if err := os.WriteFile(project.FormulaPath, []byte(formula), 0o644); err != nil {
		return nil, errors.Wrap(err, "write formula artifact")
	}

	// Raw string substitution keeps the template byte-exact; the engine
	// is strict about the project file's formatting.
	content := formulaElementRe.ReplaceAllString(p.template, "${1}"+escapeReplacement(formula)+"${3}")
	if err := os.WriteFile(project.ProjectPath, []byte(content), 0o644); err != nil {
		p.removeArtifacts(project)
		return nil, errors.Wrap(err, "write project artifact")
	}

	p.lastHash = hash
	p.cached = project
	return project, nil
}

// escapeReplacement guards regexp replacement metacharacters in the
// formula text so the substitution stays literal.
func escapeReplacement(formula string) string {
	out := make([]byte, 0, len(formula))
	for i := 0; i < len(formula); i++ {
		if formula[i] == '$' {
			out = append(out, '$', '$')
			continue
		}
		out = append(out, formula[i])
	}
	return string(out)
}

// Invalidate drops the cache so the next Package regenerates artifacts.
func (p *packager) Invalidate() {
	p.lastHash = ""
}

// Cleanup deletes all artifacts produced by the current cache entry.
func (p *packager) Cleanup() {
	if p.cached != nil {
		p.removeArtifacts(p.cached)
		p.cached = nil
	}
	p.lastHash = ""
}

func (p *packager) removeArtifacts(project *Project) {
	for _, path := range []string{project.FormulaPath, project.ProjectPath, project.ResultPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logs.Debugf("remove artifact %s, err: %+v", path, err)
		}
	}
}
