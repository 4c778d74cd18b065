// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// pagectl is an operator CLI against a tenant's local data directory: list
// and inspect its timelines, and trigger a checkpoint or GC pass out of
// band from the normal WAL-ingest path.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	pageserver "github.com/dreamsxin/pageserver"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	dataDir := flag.NewFlagSet("pagectl", flag.ExitOnError)
	dataDirFlag := dataDir.String("data-dir", "", "path to the tenant's data directory root")
	tenantFlag := dataDir.String("tenant", "", "tenant id (uuid)")

	cmd := os.Args[1]
	args := os.Args[2:]
	if err := dataDir.Parse(shiftFlags(args)); err != nil {
		os.Exit(2)
	}
	if *dataDirFlag == "" || *tenantFlag == "" {
		fmt.Fprintln(os.Stderr, "pagectl: -data-dir and -tenant are required")
		os.Exit(2)
	}
	tenantID, err := uuid.Parse(*tenantFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagectl: invalid tenant id: %v\n", err)
		os.Exit(2)
	}

	repo, err := pageserver.Open(pageserver.OpenOptions{
		Tenant:  pageserver.TenantID(tenantID),
		DataDir: *dataDirFlag,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagectl: open repository: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	switch cmd {
	case "list":
		err = runList(repo)
	case "status":
		err = runStatus(repo, positional(args))
	case "checkpoint":
		err = runCheckpoint(repo, positional(args))
	case "gc":
		err = runGc(repo, positional(args))
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: pagectl <command> [timeline-id] -data-dir=DIR -tenant=UUID

commands:
  list                 list every timeline known to this tenant
  status <timeline>    print a timeline's LSN and size summary
  checkpoint <timeline> [forced|flush]
  gc [timeline]        run one garbage-collection pass
`)
}

// shiftFlags keeps only the arguments that start with '-', dropping the
// positional ones (the timeline id, the checkpoint mode) so the shared
// -data-dir/-tenant flag set doesn't choke on them; pagectl's flags always
// come after the subcommand name and take their values in -flag=value form.
func shiftFlags(args []string) []string {
	var flags []string
	for _, a := range args {
		if len(a) > 0 && a[0] == '-' {
			flags = append(flags, a)
		}
	}
	return flags
}

func positional(args []string) []string {
	var pos []string
	for _, a := range args {
		if len(a) == 0 || a[0] != '-' {
			pos = append(pos, a)
		}
	}
	return pos
}

func runList(repo *pageserver.Repository) error {
	ids, err := repo.ListTimelineIds()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func parseTimelineArg(pos []string) (pageserver.TimelineID, error) {
	if len(pos) < 1 {
		return pageserver.TimelineID{}, fmt.Errorf("missing timeline id argument")
	}
	id, err := uuid.Parse(pos[0])
	if err != nil {
		return pageserver.TimelineID{}, fmt.Errorf("invalid timeline id: %w", err)
	}
	return pageserver.TimelineID(id), nil
}

func runStatus(repo *pageserver.Repository, pos []string) error {
	id, err := parseTimelineArg(pos)
	if err != nil {
		return err
	}
	t, err := repo.GetTimeline(id)
	if err != nil {
		return err
	}
	fmt.Printf("timeline:            %s\n", id)
	fmt.Printf("last_record_lsn:     %d\n", t.GetLastRecordLsn())
	fmt.Printf("disk_consistent_lsn: %d\n", t.GetDiskConsistentLsn())
	fmt.Printf("latest_gc_cutoff_lsn:%d\n", t.GetLatestGcCutoffLsn())
	fmt.Printf("current_logical_size:%d\n", t.GetCurrentLogicalSize())
	return nil
}

func runCheckpoint(repo *pageserver.Repository, pos []string) error {
	id, err := parseTimelineArg(pos)
	if err != nil {
		return err
	}
	mode := pageserver.ModeDistance(0)
	if len(pos) > 1 {
		switch pos[1] {
		case "forced":
			mode = pageserver.ModeForced()
		case "flush":
			mode = pageserver.ModeFlush()
		default:
			return fmt.Errorf("unknown checkpoint mode %q", pos[1])
		}
	}
	t, err := repo.GetTimeline(id)
	if err != nil {
		return err
	}
	return t.Checkpoint(mode)
}

func runGc(repo *pageserver.Repository, pos []string) error {
	var target *pageserver.TimelineID
	if len(pos) > 0 {
		id, err := parseTimelineArg(pos)
		if err != nil {
			return err
		}
		target = &id
	}
	result, err := repo.GcIteration(target, 0, false)
	if err != nil {
		return err
	}
	fmt.Printf("timelines_inspected: %d\n", result.TimelinesInspected)
	fmt.Printf("layers_inspected:    %d\n", result.LayersInspected)
	fmt.Printf("layers_removed:      %d\n", result.LayersRemoved)
	for cat, n := range result.ByCategory {
		fmt.Printf("  %-30s %d\n", cat, n)
	}
	fmt.Printf("elapsed:             %s\n", result.Elapsed)
	return nil
}
