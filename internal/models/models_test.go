package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestNode_Fields(t *testing.T) {
	typ := reflect.TypeOf(Node{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Name", "uniqueIndex")
	assertGormTag(t, typ, "Status", "default:STOPPED")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "OverlayPath", "uniqueIndex")
	assertGormTag(t, typ, "DisplayPort", "uniqueIndex")
	assertGormTag(t, typ, "SessionRouteID", "uniqueIndex")

	assertFieldType(t, typ, "ID", "uint")
	assertFieldType(t, typ, "WorkloadPID", "*int")
	assertFieldType(t, typ, "DisplayPort", "*int")
	assertFieldType(t, typ, "SessionRouteID", "*string")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}

func TestNodeName(t *testing.T) {
	tests := []struct {
		id   uint
		want string
	}{
		{1, "node-1"},
		{42, "node-42"},
		{1000, "node-1000"},
	}
	for _, tt := range tests {
		if got := NodeName(tt.id); got != tt.want {
			t.Errorf("NodeName(%d) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestNode_SetRunningSetStopped(t *testing.T) {
	n := &Node{ID: 1, Name: "node-1", Status: StatusStopped, OverlayPath: "/o/node-1.qcow2"}
	if err := n.CheckInvariants(); err != nil {
		t.Fatalf("fresh node: %v", err)
	}

	n.SetRunning(1234, 5900, "7")
	if !n.Running() {
		t.Fatal("expected running after SetRunning")
	}
	if err := n.CheckInvariants(); err != nil {
		t.Fatalf("running node: %v", err)
	}
	if *n.WorkloadPID != 1234 || *n.DisplayPort != 5900 || *n.SessionRouteID != "7" {
		t.Errorf("triple = (%d, %d, %s), want (1234, 5900, 7)", *n.WorkloadPID, *n.DisplayPort, *n.SessionRouteID)
	}

	n.SetStopped()
	if n.Running() {
		t.Fatal("expected stopped after SetStopped")
	}
	if n.WorkloadPID != nil || n.DisplayPort != nil || n.SessionRouteID != nil {
		t.Error("SetStopped left liveness fields set")
	}
	if err := n.CheckInvariants(); err != nil {
		t.Fatalf("stopped node: %v", err)
	}
}

func TestNode_CheckInvariants_Violations(t *testing.T) {
	pid := 10
	port := 5901
	route := "3"

	tests := []struct {
		name string
		node Node
		want string
	}{
		{
			name: "running without triple",
			node: Node{Name: "node-1", Status: StatusRunning, OverlayPath: "/o"},
			want: "0 of 3",
		},
		{
			name: "running with partial triple",
			node: Node{Name: "node-1", Status: StatusRunning, OverlayPath: "/o", WorkloadPID: &pid, DisplayPort: &port},
			want: "2 of 3",
		},
		{
			name: "stopped with leftover route",
			node: Node{Name: "node-1", Status: StatusStopped, OverlayPath: "/o", SessionRouteID: &route},
			want: "stopped with 1",
		},
		{
			name: "unknown status",
			node: Node{Name: "node-1", Status: "PAUSED", OverlayPath: "/o"},
			want: "unknown status",
		},
		{
			name: "missing overlay",
			node: Node{Name: "node-1", Status: StatusStopped},
			want: "overlay path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.CheckInvariants()
			if err == nil {
				t.Fatal("expected invariant violation")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err, tt.want)
			}
		})
	}
}
