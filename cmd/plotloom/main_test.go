package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	workspace = "/tmp/ws"
	if got := resolvePath(".plotloom/plotloom.db"); got != "/tmp/ws/.plotloom/plotloom.db" {
		t.Errorf("relative path not anchored at workspace: %s", got)
	}
	if got := resolvePath("/var/db/plotloom.db"); got != "/var/db/plotloom.db" {
		t.Errorf("absolute path rewritten: %s", got)
	}
}

func TestLoadResources(t *testing.T) {
	workspace = t.TempDir()
	dir := filepath.Join(workspace, ".plotloom", "research")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "# Age of Sail gunnery\nRange tables and crew drill notes.\n"
	if err := os.WriteFile(filepath.Join(dir, "naval_gunnery.md"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	resources := loadResources()
	if len(resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources))
	}
	r := resources[0]
	if r.ID != "naval_gunnery" {
		t.Errorf("id = %q, want naval_gunnery", r.ID)
	}
	if r.Description != "Age of Sail gunnery" {
		t.Errorf("description = %q", r.Description)
	}
	if r.Content != content {
		t.Errorf("content not preserved")
	}

	handles := resourceHandles(resources)
	if len(handles) != 1 || handles[0].ID != "naval_gunnery" {
		t.Errorf("handles not derived from resources: %+v", handles)
	}
}

func TestShowStatusRendersTemplates(t *testing.T) {
	workspace = t.TempDir()
	projectID = "p1"
	if err := os.MkdirAll(filepath.Join(workspace, ".plotloom"), 0755); err != nil {
		t.Fatal(err)
	}

	// First run creates the work order with the default template set; the
	// command must walk every template requirement without error.
	if err := showStatus(statusCmd, nil); err != nil {
		t.Fatalf("showStatus failed: %v", err)
	}
}

func TestLoadResourcesMissingDirIsEmpty(t *testing.T) {
	workspace = t.TempDir()
	if got := loadResources(); got != nil {
		t.Errorf("expected no resources, got %+v", got)
	}
}
