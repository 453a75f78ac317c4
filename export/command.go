package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	iface "WaffleDeploy/interface"
	"WaffleDeploy/logger"

	"go.uber.org/zap"
)

// OutputEnv carries the destination path to command exporters, next to the
// JSON request on stdin.
const OutputEnv = "WAFFLE_EXPORT_OUTPUT"

// CommandExporter runs an external program (typically a Python script with
// the training framework installed) to trace the model.
type CommandExporter struct {
	Command []string
	Dir     string
	Env     []string
}

func (c CommandExporter) ExportGraph(ctx context.Context, req iface.ExportRequest) error {
	if len(c.Command) == 0 {
		return errors.New("exporter command is empty")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env, OutputEnv+"="+req.OutputPath)

	out, err := cmd.CombinedOutput()
	lines := splitLines(out)
	for _, l := range lines {
		logger.Log().Debug("exporter output", zap.String("cmd", c.Command[0]), zap.String("line", l))
	}
	if err != nil {
		return fmt.Errorf("exporter %s: %w: %s", c.Command[0], err, strings.Join(tail(lines, 5), " | "))
	}
	return nil
}

func splitLines(b []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
