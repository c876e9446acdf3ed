// runbox-cli is a small interactive client for the engine HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

type client struct {
	base string
	http *http.Client
}

func main() {
	baseURL := flag.String("addr", "http://127.0.0.1:2358", "engine base URL")
	flag.Parse()

	c := &client{
		base: strings.TrimRight(*baseURL, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}

	rl, err := readline.New("runbox> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init readline failed: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("runbox cli — type 'help' for commands")
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args, err := shlex.Split(line)
		if err != nil {
			fmt.Printf("parse error: %v\n", err)
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return
		}
		if err := c.dispatch(args); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (c *client) dispatch(args []string) error {
	switch args[0] {
	case "help":
		printHelp()
		return nil
	case "submit":
		return c.submit(args[1:], false)
	case "run":
		return c.submit(args[1:], true)
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <token>")
		}
		return c.getJSON("/submissions/"+url.PathEscape(args[1])+"?base64_encoded=false", nil)
	case "cancel":
		if len(args) != 2 {
			return fmt.Errorf("usage: cancel <token>")
		}
		return c.doJSON(http.MethodDelete, "/submissions/"+url.PathEscape(args[1]), nil)
	case "languages":
		return c.getJSON("/languages", nil)
	case "stats":
		return c.getJSON("/stats", nil)
	case "health":
		return c.getJSON("/health", nil)
	default:
		return fmt.Errorf("unknown command %q, try 'help'", args[0])
	}
}

func printHelp() {
	fmt.Print(`commands:
  run <language> <source-file> [stdin-file]     submit and wait for the result
  submit <language> <source-file> [stdin-file]  submit, print the token
  get <token>                                   fetch the current record
  cancel <token>                                cancel a queued or running submission
  languages                                     list the language catalog
  stats                                         engine statistics
  health                                        engine health
  exit
`)
}

func (c *client) submit(args []string, wait bool) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: submit <language> <source-file> [stdin-file]")
	}
	source, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	payload := map[string]interface{}{
		"language":    args[0],
		"source_code": string(source),
	}
	if len(args) == 3 {
		stdin, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read stdin file: %w", err)
		}
		payload["stdin"] = string(stdin)
	}
	path := "/submissions"
	if wait {
		path += "?wait=true"
	}
	return c.doJSON(http.MethodPost, path, payload)
}

func (c *client) getJSON(path string, body interface{}) error {
	return c.doJSON(http.MethodGet, path, body)
}

func (c *client) doJSON(method, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}
