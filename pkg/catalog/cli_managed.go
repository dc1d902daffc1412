package catalog

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/lemonade-run/gateway/pkg/pathutil"
)

// HubCLIName is the third-party CLI that manages its own model store for
// the NPU recipes. Its pull command acquires artifacts and its list
// command answers the downloaded check.
const HubCLIName = "ryzenai-serve"

const cliListTimeout = 10 * time.Second

// IsCLIManaged reports whether d's artifacts are owned by the
// third-party hub CLI rather than the gateway's own hub cache: an NPU
// recipe whose checkpoint is a hub-native identifier (no org/repo path)
// instead of a "org/repo:variant" hub checkpoint.
func IsCLIManaged(d *Descriptor) bool {
	if d.Recipe != RecipeONNXNPU && d.Recipe != RecipeONNXHybrid {
		return false
	}
	repo, _, _ := strings.Cut(d.Checkpoint, ":")
	return !strings.Contains(repo, "/")
}

// runCLIList invokes the hub CLI's list command; a package variable so
// tests can substitute canned output.
var runCLIList = func() (string, error) {
	cli, err := pathutil.FindHubCLI(HubCLIName)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cliListTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, cli, "list").Output()
	return string(out), err
}

// cliListed reports whether the hub CLI's list output names checkpoint.
func cliListed(checkpoint string) bool {
	out, err := runCLIList()
	if err != nil {
		return false
	}
	name, _, _ := strings.Cut(checkpoint, ":")
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		listed, _, _ := strings.Cut(fields[0], ":")
		if listed == name {
			return true
		}
	}
	return false
}
