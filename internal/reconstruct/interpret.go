package reconstruct

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"meshgate/internal/backend"
	"meshgate/internal/logging"
	"meshgate/internal/supervisor"
)

// authSignatures are stderr fragments emitted by model hubs when weights are
// gated or the token is missing or invalid.
var authSignatures = []string{
	"GatedRepoError",
	"401 Client Error",
	"403 Client Error",
	"Cannot access gated repo",
	"Invalid user token",
	"huggingface-cli login",
}

const defaultAuthHint = "model weights require authenticated access: download them locally or set HF_TOKEN"

// selfReport is the trailing JSON object printed by self-reporting backends.
type selfReport struct {
	Success  bool   `json:"success"`
	MeshPath string `json:"mesh_path"`
	Error    string `json:"error"`
}

// Interpret decides what a finished backend process produced. The order of
// checks matters:
//
//  1. a timeout always wins, even if a file appeared before the kill;
//  2. an artifact at the layout's location wins over the exit code;
//  3. self-reporting backends are trusted next, with a flat-file fallback;
//  4. known stderr signatures map to AuthRequired;
//  5. otherwise nonzero exit is BackendFailure and zero exit is ArtifactMissing.
func Interpret(d backend.Descriptor, c supervisor.RawCompletion, outputDir string) ArtifactResult {
	if c.TimedOut {
		return Failed(ErrorTimeout, fmt.Sprintf("%s did not finish within %s", d.Name, d.Timeout))
	}

	if d.OutputLayout != backend.LayoutSelfReportingJSON {
		path := d.ArtifactPath(outputDir)
		if fileExists(path) {
			if c.ExitCode != 0 {
				logging.ReconstructWarn("%s exited with %d after writing %s; keeping artifact", d.Name, c.ExitCode, path)
			}
			return Succeeded(path)
		}
	}

	var note string
	if d.OutputLayout == backend.LayoutSelfReportingJSON {
		res, done, n := interpretSelfReport(d, c, outputDir)
		if done {
			return res
		}
		note = n
	}

	if hint, ok := matchAuthSignature(d, c.Stderr); ok {
		return Failed(ErrorAuthRequired, hint)
	}

	if c.ExitCode != 0 {
		detail := excerpt(c.Stderr)
		if detail == "" {
			detail = fmt.Sprintf("%s exited with code %d", d.Name, c.ExitCode)
		}
		return Failed(ErrorBackendFailure, detail)
	}

	detail := fmt.Sprintf("%s exited successfully but no artifact was found at %s", d.Name, d.ArtifactPath(outputDir))
	if note != "" {
		detail += " (" + note + ")"
	}
	return Failed(ErrorArtifactMissing, detail)
}

// interpretSelfReport handles the trailing-JSON convention. done reports
// whether a final result was reached; note explains why not.
func interpretSelfReport(d backend.Descriptor, c supervisor.RawCompletion, outputDir string) (res ArtifactResult, done bool, note string) {
	flat := d.FlatArtifactPath(outputDir)

	line, found := lastJSONLine(c.Stdout)
	if !found {
		note = "no result line on stdout"
	} else {
		var rep selfReport
		if err := json.Unmarshal([]byte(line), &rep); err != nil {
			logging.ReconstructWarn("%s: unparseable result line %q: %v", d.Name, line, err)
			note = fmt.Sprintf("result line not parseable: %v", err)
		} else if !rep.Success {
			msg := strings.TrimSpace(rep.Error)
			if msg == "" {
				msg = d.Name + " reported failure without a message"
			}
			if hint, ok := matchAuthSignature(d, msg); ok {
				return Failed(ErrorAuthRequired, hint), true, ""
			}
			return Failed(ErrorBackendFailure, msg), true, ""
		} else {
			path := resolveReported(d, rep.MeshPath)
			if path != "" && fileExists(path) {
				return Succeeded(path), true, ""
			}
			if fileExists(flat) {
				return Succeeded(flat), true, ""
			}
			if path == "" {
				path = flat
			}
			return Failed(ErrorArtifactMissing,
				fmt.Sprintf("%s reported success but %s does not exist", d.Name, path)), true, ""
		}
	}

	if fileExists(flat) {
		return Succeeded(flat), true, ""
	}
	return ArtifactResult{}, false, note
}

// lastJSONLine scans stdout from the end for the first line that starts with
// '{' and ends with '}'. Log lines that happen to look like that will shadow
// the real record; backends are expected to print the record last.
func lastJSONLine(stdout string) (string, bool) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") {
			return line, true
		}
	}
	return "", false
}

func matchAuthSignature(d backend.Descriptor, text string) (string, bool) {
	for _, sig := range authSignatures {
		if strings.Contains(text, sig) {
			logging.ReconstructDebug("%s: matched auth signature %q", d.Name, sig)
			if d.AuthHint != "" {
				return d.AuthHint, true
			}
			return defaultAuthHint, true
		}
	}
	return "", false
}

// resolveReported makes a self-reported path absolute; relative paths are
// relative to the process working directory.
func resolveReported(d backend.Descriptor, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.WorkDir, p)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
