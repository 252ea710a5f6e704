package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/modelctl/pkg/config"
	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List inference server processes recorded by the supervisor",
	Long: `ps reads the supervisor's PID file directory directly rather than
constructing a Supervisor: Supervisor.New sweeps and kills anything it finds
there under the assumption it is an orphan from a crashed run, which would
be wrong while a real serve process owns those PIDs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		entries, err := os.ReadDir(cfg.PIDDir())
		if os.IsNotExist(err) {
			fmt.Println("No servers running")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read pid directory: %w", err)
		}

		type row struct {
			modelID string
			pid     int
			port    int
			health  string
		}
		var rows []row

		client := &http.Client{Timeout: 2 * time.Second}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".pid" {
				continue
			}
			modelID := strings.TrimSuffix(entry.Name(), ".pid")
			pid, port, err := readPIDFile(filepath.Join(cfg.PIDDir(), entry.Name()))
			if err != nil {
				continue
			}

			health := "unreachable"
			resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					health = "healthy"
				} else {
					health = fmt.Sprintf("status %d", resp.StatusCode)
				}
			}

			rows = append(rows, row{modelID: modelID, pid: pid, port: port, health: health})
		}

		if len(rows) == 0 {
			fmt.Println("No servers running")
			return nil
		}

		fmt.Printf("%-30s %-10s %-8s %s\n", "MODEL", "PID", "PORT", "HEALTH")
		for _, r := range rows {
			fmt.Printf("%-30s %-10d %-8d %s\n", truncate(r.modelID, 30), r.pid, r.port, r.health)
		}
		return nil
	},
}

// readPIDFile mirrors pkg/supervisor's unexported two-line (pid, port)
// format: it is duplicated rather than imported because that package's
// constructor is unsafe to call from a read-only CLI command (see above).
func readPIDFile(path string) (int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("malformed pid file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return 0, 0, err
	}
	return pid, port, nil
}
