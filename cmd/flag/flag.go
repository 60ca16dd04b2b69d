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

package flag

import (
	"github.com/spf13/cobra"
)

func MetricsAddr(cmd *cobra.Command, conf *string) {
	cmd.Flags().StringVarP(conf, "metrics-addr", "m", *conf, "Metrics service bind address")
}

func HealthAddr(cmd *cobra.Command, conf *string) {
	cmd.Flags().StringVar(conf, "health-addr", *conf, "Health service bind address")
}

func WebAddr(cmd *cobra.Command, conf *string) {
	cmd.Flags().StringVarP(conf, "web-addr", "w", *conf, "Web API bind address")
}

func Port(cmd *cobra.Command, conf *int, name string, usage string) {
	cmd.Flags().IntVar(conf, name, *conf, usage)
}
