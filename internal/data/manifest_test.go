package data

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sampleManifest = `
goals:
  - name: AIStart
    after: FrameStart
  - name: PostRender
systems:
  - Blackboard
tasks:
  - name: ai.think
    function: think
    start_on: AIStart
    done_for: RenderStart
    access:
      - system: Blackboard
        kind: read_write
  - name: hud.draw
    function: draw_hud
    start_on: RenderStart
    done_for: PostRender
    access:
      - system: Blackboard
        kind: read
      - system: Clock
        kind: read
`

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.yaml")
	if err := os.WriteFile(path, []byte(sampleManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Tasks) != 2 || m.Tasks[0].Function != "think" {
		t.Fatalf("tasks = %+v", m.Tasks)
	}
	if !m.Tasks[0].Access[0].Write() || m.Tasks[1].Access[0].Write() {
		t.Error("access kinds parsed wrong")
	}

	base := []string{"FrameStart", "RenderStart"}
	order, err := m.GoalOrder(base)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"FrameStart", "AIStart", "RenderStart", "PostRender"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if err := m.Validate(base, []string{"Clock"}); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestManifestValidateErrors(t *testing.T) {
	base := []string{"Start", "End"}
	tests := []struct {
		name string
		m    Manifest
		want string
	}{
		{"duplicate goal", Manifest{Goals: []GoalEntry{{Name: "Start"}}}, "declared twice"},
		{"unknown after", Manifest{Goals: []GoalEntry{{Name: "X", After: "Nope"}}}, "after unknown goal"},
		{"unknown start", Manifest{Tasks: []TaskEntry{{Name: "t", Function: "f", StartOn: "Nope", DoneFor: "End"}}}, "start_on"},
		{"reversed", Manifest{Tasks: []TaskEntry{{Name: "t", Function: "f", StartOn: "End", DoneFor: "Start"}}}, "comes after"},
		{"no function", Manifest{Tasks: []TaskEntry{{Name: "t", StartOn: "Start", DoneFor: "End"}}}, "required"},
		{"unknown system", Manifest{Tasks: []TaskEntry{{
			Name: "t", Function: "f", StartOn: "Start", DoneFor: "End",
			Access: []AccessEntry{{System: "Ghost", Kind: "read"}},
		}}}, "unknown system"},
		{"bad kind", Manifest{Systems: []string{"S"}, Tasks: []TaskEntry{{
			Name: "t", Function: "f", StartOn: "Start", DoneFor: "End",
			Access: []AccessEntry{{System: "S", Kind: "write"}},
		}}}, "access kind"},
		{"duplicate task", Manifest{Tasks: []TaskEntry{
			{Name: "t", Function: "f", StartOn: "Start", DoneFor: "End"},
			{Name: "t", Function: "g", StartOn: "Start", DoneFor: "Start"},
		}}, "declared twice on"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate(base, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}
