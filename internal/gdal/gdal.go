// Package gdal runs the GDAL command-line tools as subprocesses and builds
// their argument lists.
package gdal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/withObsrvr/tilemosaic/internal/geo"
)

// Tool names.
const (
	Translate = "gdal_translate"
	BuildVRT  = "gdalbuildvrt"
)

// ErrToolNotFound is returned by Check when a tool is not installed.
var ErrToolNotFound = errors.New("gdal tool not found")

// maxStderr caps the diagnostics kept from a failed run.
const maxStderr = 4096

// Runner executes one external tool invocation. Implementations must honour
// ctx for cancellation and deadlines.
type Runner interface {
	Run(ctx context.Context, tool string, args ...string) error
}

// ToolError describes a failed or timed-out tool invocation.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Tool)
	if e.ExitCode > 0 {
		msg = fmt.Sprintf("%s exited %d", e.Tool, e.ExitCode)
	}
	if e.Err != nil && e.ExitCode <= 0 {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct {
	BinDir string   // directory containing the tools; empty searches PATH
	Env    []string // extra KEY=VALUE pairs appended to the environment
}

// NewExecRunner returns a runner configured with the tuned GDAL environment.
func NewExecRunner(binDir string, cacheMaxMB int) *ExecRunner {
	return &ExecRunner{BinDir: binDir, Env: Env(cacheMaxMB)}
}

// Env returns the GDAL environment used for every invocation.
func Env(cacheMaxMB int) []string {
	env := []string{
		"GDAL_NUM_THREADS=ALL_CPUS",
		"GDAL_PAM_ENABLED=NO",
		"VRT_SHARED_SOURCE=0",
		"GDAL_TIFF_INTERNAL_MASK=YES",
	}
	if cacheMaxMB > 0 {
		env = append(env, "GDAL_CACHEMAX="+strconv.Itoa(cacheMaxMB))
	}
	return env
}

func (r *ExecRunner) path(tool string) string {
	if r.BinDir == "" {
		return tool
	}
	return filepath.Join(r.BinDir, tool)
}

// Check verifies that every tool can be executed.
func (r *ExecRunner) Check(tools ...string) error {
	for _, tool := range tools {
		if _, err := exec.LookPath(r.path(tool)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrToolNotFound, tool, err)
		}
	}
	return nil
}

// Run executes tool and waits for it. A non-zero exit, a start failure or
// a cancelled context yields a *ToolError carrying stderr.
func (r *ExecRunner) Run(ctx context.Context, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, r.path(tool), args...)
	cmd.Env = append(os.Environ(), r.Env...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	te := &ToolError{Tool: tool, ExitCode: -1, Stderr: trimStderr(stderr.String()), Err: err}
	if ctx.Err() != nil {
		te.Err = ctx.Err()
		return te
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	return te
}

func trimStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = s[len(s)-maxStderr:]
	}
	return s
}

func coord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// GeoreferenceArgs assigns srs and the bounds b to src, writing a GeoTIFF.
func GeoreferenceArgs(src, dst string, b geo.BoundingBox, srs string) []string {
	return []string{
		"-of", "GTiff",
		"-a_srs", srs,
		"-a_ullr", coord(b.MinLon), coord(b.MaxLat), coord(b.MaxLon), coord(b.MinLat),
		src, dst,
	}
}

// BuildVRTArgs builds a virtual mosaic of the files listed in listFile,
// clipped to b at the highest input resolution.
func BuildVRTArgs(listFile, vrt string, b geo.BoundingBox, resampling, srs string) []string {
	return []string{
		"-resolution", "highest",
		"-r", resampling,
		"-te", coord(b.MinLon), coord(b.MinLat), coord(b.MaxLon), coord(b.MaxLat),
		"-a_srs", srs,
		"-input_file_list", listFile,
		vrt,
	}
}

// TranslateOptions controls the final GeoTIFF encoding.
type TranslateOptions struct {
	Resampling string
	Compress   bool
	BlockSize  int
}

// TranslateArgs renders src (usually a VRT) to a tiled BigTIFF at dst.
func TranslateArgs(src, dst string, opts TranslateOptions) []string {
	compress := "NONE"
	if opts.Compress {
		compress = "LZW"
	}
	block := opts.BlockSize
	if block <= 0 {
		block = 512
	}
	return []string{
		"-of", "GTiff",
		"-r", opts.Resampling,
		"-co", "COMPRESS=" + compress,
		"-co", "TILED=YES",
		"-co", "BLOCKXSIZE=" + strconv.Itoa(block),
		"-co", "BLOCKYSIZE=" + strconv.Itoa(block),
		"-co", "BIGTIFF=YES",
		"-co", "NUM_THREADS=ALL_CPUS",
		src, dst,
	}
}
