// Copyright 2023 StreamNative, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package status

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ecs-project/ecs/coordinator"
	"github.com/ecs-project/ecs/coordinator/impl"
	"github.com/ecs-project/ecs/coordinator/web"
)

type Config struct {
	WebAddr string
	Timeout time.Duration
}

func NewConfig() Config {
	return Config{
		WebAddr: fmt.Sprintf("localhost:%d", coordinator.DefaultWebPort),
		Timeout: 10 * time.Second,
	}
}

var (
	Cmd = &cobra.Command{
		Use:   "status",
		Short: "Show the partitions and detectors of a running coordinator",
		RunE:  exec,
	}

	config = NewConfig()
)

func init() {
	Cmd.Flags().StringVarP(&config.WebAddr, "web-addr", "w", config.WebAddr, "Coordinator web API address")
	Cmd.Flags().DurationVar(&config.Timeout, "timeout", config.Timeout, "Request timeout")
	Cmd.SilenceUsage = true
}

func exec(cmd *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: config.Timeout}

	var partitions []web.PartitionStatus
	if err := get(client, "/api/partitions", &partitions); err != nil {
		return err
	}
	var systems impl.Systems
	if err := get(client, "/api/systems", &systems); err != nil {
		return err
	}
	var disconnected []string
	if err := get(client, "/api/detectors/disconnected", &disconnected); err != nil {
		return err
	}

	owners := map[string]string{}
	for _, d := range systems.Detectors {
		var owner struct {
			Id string `json:"id"`
		}
		if err := get(client, "/api/detectors/"+d.Id+"/partition", &owner); err != nil {
			return err
		}
		owners[d.Id] = owner.Id
	}

	printPartitions(cmd.OutOrStdout(), partitions)
	_, _ = fmt.Fprintln(cmd.OutOrStdout())
	printDetectors(cmd.OutOrStdout(), systems, owners, disconnected)
	return nil
}

func get(client *http.Client, path string, out any) error {
	res, err := client.Get("http://" + config.WebAddr + path)
	if err != nil {
		return errors.Wrapf(err, "failed to query %s", path)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var result web.Result
		_ = json.NewDecoder(res.Body).Decode(&result)
		return errors.Errorf("query %s failed with status %d: %s", path, res.StatusCode, result.Error)
	}
	return errors.Wrapf(json.NewDecoder(res.Body).Decode(out), "invalid reply to %s", path)
}

func connected(ok bool) string {
	if ok {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}

func printPartitions(w io.Writer, partitions []web.PartitionStatus) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Partition", "Address", "Command port", "Connected"})
	for _, p := range partitions {
		table.Append([]string{p.Id, p.Address, strconv.Itoa(p.PortCommand), connected(p.Connected)})
	}
	table.Render()
}

func printDetectors(w io.Writer, systems impl.Systems, owners map[string]string, disconnected []string) {
	down := map[string]bool{}
	for _, id := range disconnected {
		down[id] = true
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Detector", "Type", "Address", "Partition", "Connected"})
	for _, d := range systems.Detectors {
		table.Append([]string{d.Id, d.Type, d.Address, owners[d.Id], connected(!down[d.Id])})
	}
	table.Render()
}
