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

package statemachine

import (
	"encoding/csv"
	"io"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/ecs-project/ecs/coordinator/model"
)

// Edge is a legal (state, transition) -> next entry.
type Edge struct {
	From       string
	Transition string
	To         string
}

// Table is the immutable transition table of one component kind, together
// with the translation from raw peer states to mapped states.
type Table struct {
	name    string
	initial string
	edges   map[string]map[string]string
	mapped  map[string]string
}

func NewTable(name string, initial string, edges []Edge, mapped map[string]string) *Table {
	t := &Table{
		name:    name,
		initial: initial,
		edges:   make(map[string]map[string]string),
		mapped:  make(map[string]string, len(mapped)),
	}
	for _, e := range edges {
		if _, ok := t.edges[e.From]; !ok {
			t.edges[e.From] = make(map[string]string)
		}
		t.edges[e.From][e.Transition] = e.To
	}
	for k, v := range mapped {
		t.mapped[k] = v
	}
	return t
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Initial() string {
	return t.initial
}

func (t *Table) Next(state string, transition string) (string, bool) {
	if state == model.StateConnectionProblem {
		return "", false
	}
	next, ok := t.edges[state][transition]
	return next, ok
}

// Map translates a raw state into its mapped label. Raw states with no
// entry are returned unchanged.
func (t *Table) Map(raw string) string {
	if raw == model.StateConnectionProblem {
		return model.StateConnectionProblem
	}
	if m, ok := t.mapped[raw]; ok {
		return m
	}
	return raw
}

// TransitionsFrom lists the transitions accepted in the given state, sorted.
func (t *Table) TransitionsFrom(state string) []string {
	if state == model.StateConnectionProblem {
		return nil
	}
	res := make([]string, 0, len(t.edges[state]))
	for tr := range t.edges[state] {
		res = append(res, tr)
	}
	slices.Sort(res)
	return res
}

func (t *Table) States() []string {
	seen := map[string]bool{}
	for from, trs := range t.edges {
		seen[from] = true
		for _, to := range trs {
			seen[to] = true
		}
	}
	res := make([]string, 0, len(seen))
	for s := range seen {
		res = append(res, s)
	}
	slices.Sort(res)
	return res
}

// LoadTable reads a table from two CSV sources. Transition rows are
// `state,transition,next`; mapping rows are `raw,mapped`. Rows with a
// different arity are skipped. The first transition row's state is used as
// the initial state.
func LoadTable(name string, transitions io.Reader, mapping io.Reader) (*Table, error) {
	edges := make([]Edge, 0)
	initial := ""

	r := csv.NewReader(transitions)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read transitions of %s", name)
	}
	for _, row := range rows {
		if len(row) != 3 || strings.HasPrefix(row[0], "#") {
			continue
		}
		if initial == "" {
			initial = row[0]
		}
		edges = append(edges, Edge{From: row[0], Transition: row[1], To: row[2]})
	}
	if len(edges) == 0 {
		return nil, errors.Errorf("no transitions defined for %s", name)
	}

	mapped := map[string]string{}
	if mapping != nil {
		r = csv.NewReader(mapping)
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true
		rows, err = r.ReadAll()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read state mapping of %s", name)
		}
		for _, row := range rows {
			if len(row) == 2 {
				mapped[row[0]] = row[1]
			}
		}
	}

	return NewTable(name, initial, edges, mapped), nil
}
