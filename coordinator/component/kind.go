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

package component

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/statemachine"
)

// Class selects the framing of the messages sent to a peer.
type Class int

const (
	// ClassDetector peers receive [command] or [command, config].
	ClassDetector Class = iota
	// ClassGlobalSystem peers serve every partition, so each message names
	// the partition it is sent on behalf of: [command, owner] or
	// [command, owner, config].
	ClassGlobalSystem
)

var ErrUnknownType = errors.New("unknown component type")

// Kind describes the capabilities of one type of remote component.
type Kind struct {
	Name      string
	Class     Class
	Table     *statemachine.Table
	Recording bool
}

var detectorKinds = map[string]*Kind{}
var globalSystemKinds = map[string]*Kind{}

func registerDetector(table *statemachine.Table) {
	detectorKinds[table.Name()] = &Kind{Name: table.Name(), Class: ClassDetector, Table: table}
}

func registerGlobalSystem(table *statemachine.Table, recording bool) {
	globalSystemKinds[table.Name()] = &Kind{Name: table.Name(), Class: ClassGlobalSystem, Table: table, Recording: recording}
}

func init() {
	for _, t := range []*statemachine.Table{
		statemachine.DetectorA,
		statemachine.DetectorB,
		statemachine.STS,
		statemachine.MVD,
		statemachine.TOF,
		statemachine.TRD,
		statemachine.RICH,
	} {
		registerDetector(t)
	}

	registerGlobalSystem(statemachine.TFC, false)
	registerGlobalSystem(statemachine.DCS, false)
	registerGlobalSystem(statemachine.QA, true)
	registerGlobalSystem(statemachine.FLES, true)
}

// RegisterDetectorTable adds or replaces a detector type, typically with a
// table loaded from file.
func RegisterDetectorTable(table *statemachine.Table) {
	registerDetector(table)
}

const (
	transitionsSuffix = ".csv"
	mappingSuffix     = ".map.csv"
)

// LoadDetectorTables registers one detector type per `<type>.csv` file of
// dir. An optional `<type>.map.csv` next to it maps the raw states. It
// returns the names of the loaded types.
func LoadDetectorTables(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+transitionsSuffix))
	if err != nil {
		return nil, err
	}

	var loaded []string
	for _, file := range files {
		if strings.HasSuffix(file, mappingSuffix) {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(file), transitionsSuffix)
		table, err := loadTableFiles(name, file, strings.TrimSuffix(file, transitionsSuffix)+mappingSuffix)
		if err != nil {
			return loaded, err
		}
		RegisterDetectorTable(table)
		loaded = append(loaded, name)
	}
	return loaded, nil
}

func loadTableFiles(name string, transitionsFile string, mappingFile string) (*statemachine.Table, error) {
	transitions, err := os.Open(transitionsFile)
	if err != nil {
		return nil, err
	}
	defer transitions.Close()

	mapping, err := os.Open(mappingFile)
	switch {
	case os.IsNotExist(err):
		return statemachine.LoadTable(name, transitions, nil)
	case err != nil:
		return nil, err
	}
	defer mapping.Close()
	return statemachine.LoadTable(name, transitions, mapping)
}

func DetectorKind(typeName string) (*Kind, error) {
	k, ok := detectorKinds[typeName]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "detector type %q", typeName)
	}
	return k, nil
}

func GlobalSystemKind(id string) (*Kind, error) {
	k, ok := globalSystemKinds[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "global system %q", id)
	}
	return k, nil
}

func IsKnownDetectorType(typeName string) bool {
	_, ok := detectorKinds[typeName]
	return ok
}

func DetectorTypes() []string {
	res := make([]string, 0, len(detectorKinds))
	for k := range detectorKinds {
		res = append(res, k)
	}
	slices.Sort(res)
	return res
}

// skipGetReady reports whether a configure request would be redundant.
func skipGetReady(mapped string, configTag string, config model.ConfigObject) bool {
	if config.IsEmpty() || configTag != config.ConfigId {
		return false
	}
	switch mapped {
	case model.StateUnconfigured, model.StateError, model.StateConnectionProblem:
		return false
	}
	return true
}
