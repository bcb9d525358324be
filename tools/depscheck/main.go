package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePath = "netsim/server"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// rule forbids packages under From from importing anything under To.
type rule struct {
	From string
	To   []string
}

// The core layers stay transport-agnostic: drivers plug in from the world.
var rules = []rule{
	{From: "internal/entity", To: []string{"internal/tick", "internal/net", "internal/replication", "internal/demo", "internal/world"}},
	{From: "internal/tick", To: []string{"internal/net/ws", "internal/replication", "internal/demo", "internal/world"}},
	{From: "internal/replication", To: []string{"internal/net/ws", "internal/demo", "internal/world"}},
	{From: "internal/net", To: []string{"internal/replication", "internal/world", "internal/demo"}},
	{From: "internal/demo", To: []string{"internal/net/ws", "internal/replication", "internal/world"}},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./internal/...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	packages, err := decodePackages(output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
		os.Exit(1)
	}

	violations := check(packages, rules)
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func decodePackages(output []byte) ([]packageInfo, error) {
	decoder := json.NewDecoder(bytes.NewReader(output))
	var packages []packageInfo
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				return packages, nil
			}
			return nil, err
		}
		packages = append(packages, pkg)
	}
}

func check(packages []packageInfo, rules []rule) []string {
	var violations []string
	for _, pkg := range packages {
		for _, r := range rules {
			if !within(pkg.ImportPath, modulePath+"/"+r.From) {
				continue
			}
			for _, imp := range pkg.Imports {
				for _, forbidden := range r.To {
					if within(imp, modulePath+"/"+forbidden) {
						violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
					}
				}
			}
		}
	}
	sort.Strings(violations)
	return violations
}

// within reports whether path is root or a package below it.
func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}
