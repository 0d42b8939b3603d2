package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var flagServer string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "poudomaticctl",
	Short: "poudomaticctl - submit tasks to a poudomaticd worker",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "http://localhost:8080", "Base URL of the poudomaticd HTTP surface")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(jailCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(dependsCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(logCmd)
}

// newTaskID generates the 32-character lowercase hex id the server
// expects clients to choose.
func newTaskID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func put(path string, body any) (string, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPut, flagServer+path, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func submit(path string, body any) error {
	id := newTaskID()
	if _, err := put(path+"/"+id, body); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "List the worker's jails and ports branches",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(flagServer + "/info")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, err = io.Copy(os.Stdout, resp.Body)
		return err
	},
}

var jailCmd = &cobra.Command{
	Use:   "jail <version>",
	Short: "Create a build jail for a FreeBSD version, e.g. 13.2-RELEASE-p4",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit("/jail", map[string]string{"version": args[0]})
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports <branch>",
	Short: "Fetch or refresh a quarterly ports branch, e.g. 2023Q4",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit("/ports/update", map[string]string{"branch": args[0]})
	},
}

var (
	flagOrigins []string
	flagTargets []string
)

var buildCmd = &cobra.Command{
	Use:   "build <jail-version> <ports-branch>",
	Short: "Run a bulk build",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit("/build", map[string]any{
			"jail_version":   args[0],
			"ports_branch":   args[1],
			"origins":        flagOrigins,
			"portja_targets": flagTargets,
		})
	},
}

var flagDependsTarget string

var dependsCmd = &cobra.Command{
	Use:   "depends <jail-version> <ports-branch> <origin>",
	Short: "Resolve an origin's dependency list via a dry-run build",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"jail_version": args[0],
			"ports_branch": args[1],
			"origin":       args[2],
		}
		if flagDependsTarget != "" {
			body["portja_target"] = flagDependsTarget
		}
		return submit("/depends", body)
	},
}

func init() {
	buildCmd.Flags().StringSliceVarP(&flagOrigins, "origin", "o", nil, "Port origin to build (repeatable)")
	buildCmd.Flags().StringSliceVarP(&flagTargets, "target", "t", nil, "portja target (repeatable)")
	dependsCmd.Flags().StringVarP(&flagDependsTarget, "target", "t", "", "portja target")
}

var resultCmd = &cobra.Command{
	Use:   "result <task-id>",
	Short: "Fetch a task's status and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(flagServer + "/result/" + args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			out, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(out)))
		}
		_, err = io.Copy(os.Stdout, resp.Body)
		return err
	},
}

var logCmd = &cobra.Command{
	Use:   "log <task-id>",
	Short: "Stream a task's log until it completes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodGet, flagServer+"/log/"+args[0], nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			out, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(out)))
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var rec struct {
					Origin string `json:"origin"`
					Msg    string `json:"msg"`
				}
				if err := json.Unmarshal([]byte(data), &rec); err == nil && rec.Origin != "" {
					fmt.Printf("[%s] %s\n", rec.Origin, rec.Msg)
				} else if err == nil {
					fmt.Println(rec.Msg)
				} else {
					fmt.Println(data)
				}
			}
		}
		return scanner.Err()
	},
}
