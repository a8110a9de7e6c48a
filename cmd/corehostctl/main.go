// Copyright 2024 The corehost Authors
// This file is part of the corehost library.
//
// The corehost library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The corehost library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the corehost library. If not, see <http://www.gnu.org/licenses/>.

// Command corehostctl is an interactive REPL against a running
// corehostd's diagnostics API: "host" prints a resource snapshot,
// "audit" lists unrecognized-protocol prefixes, "quit" exits.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
)

const historyFile = ".corehostctl_history"

func main() {
	addr := flag.String("addr", "http://127.0.0.1:9091", "corehostd admin API base URL")
	flag.Parse()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	client := &client{base: *addr, http: http.DefaultClient}

	for {
		input, err := line.Prompt("corehostctl> ")
		if err != nil {
			return
		}
		line.AppendHistory(input)

		switch strings.TrimSpace(input) {
		case "host":
			client.printHost(os.Stdout)
		case "audit":
			client.printAudit(os.Stdout)
		case "quit", "exit":
			return
		case "":
		default:
			fmt.Fprintln(os.Stdout, "commands: host, audit, quit")
		}
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, v interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *client) printHost(w io.Writer) {
	var snap struct {
		Hostname      string  `json:"hostname"`
		Uptime        uint64  `json:"uptime_seconds"`
		CPUPercent    float64 `json:"cpu_percent"`
		MemUsedPct    float64 `json:"mem_used_percent"`
		MemTotalBytes uint64  `json:"mem_total_bytes"`
	}
	if err := c.get("/v1/host", &snap); err != nil {
		fmt.Fprintln(w, "error:", err)
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"hostname", "uptime (s)", "cpu %", "mem %", "mem total"})
	table.Append([]string{
		snap.Hostname,
		fmt.Sprintf("%d", snap.Uptime),
		fmt.Sprintf("%.1f", snap.CPUPercent),
		fmt.Sprintf("%.1f", snap.MemUsedPct),
		fmt.Sprintf("%d", snap.MemTotalBytes),
	})
	table.Render()
}

func (c *client) printAudit(w io.Writer) {
	var entries []struct {
		At     string `json:"At"`
		Prefix []byte `json:"Prefix"`
	}
	if err := c.get("/v1/audit", &entries); err != nil {
		fmt.Fprintln(w, "error:", err)
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"time", "prefix (hex)"})
	for _, e := range entries {
		table.Append([]string{e.At, fmt.Sprintf("%x", e.Prefix)})
	}
	table.Render()
}
