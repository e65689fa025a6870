// Command brokerctl is a small local admin CLI wrapping the façade's
// tenant-management operations against an in-process broker — useful for
// bootstrapping a tenant and its first API key without a running transport.
//
// Usage:
//
//	brokerctl create-project -id acme_corp -name "Acme Corp"
//	brokerctl rotate-keys -id acme_corp -grace 1h
//	brokerctl list-projects
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jeeves-cluster-organization/broker/internal/broker"
	"github.com/jeeves-cluster-organization/broker/internal/config"
	"github.com/jeeves-cluster-organization/broker/internal/facade"
	"github.com/jeeves-cluster-organization/broker/internal/logging"
	"github.com/jeeves-cluster-organization/broker/internal/store"
	"github.com/jeeves-cluster-organization/broker/internal/tenant"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	cfg := config.Default()
	b := broker.New(cfg, logging.NoopLogger())

	adminCtx := store.WithTenantScope(context.Background(), store.TenantScope{IsAdmin: true})
	adminCtx = facade.WithAuthContext(adminCtx, facade.AuthContext{
		TenantID:  cfg.DefaultTenantID,
		ActorID:   "brokerctl",
		ActorKind: facade.ActorHuman,
		IsAdmin:   true,
	})

	var err error
	switch cmd {
	case "create-project":
		err = runCreateProject(adminCtx, b, args)
	case "list-projects":
		err = runListProjects(adminCtx, b, args)
	case "rotate-keys":
		err = runRotateKeys(adminCtx, b, args)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "brokerctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: brokerctl <create-project|list-projects|rotate-keys> [flags]")
}

func runCreateProject(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("create-project", flag.ExitOnError)
	id := fs.String("id", "", "tenant id (slug)")
	name := fs.String("name", "", "display name")
	desc := fs.String("desc", "", "description")
	if err := fs.Parse(args); err != nil {
		return err
	}

	t, err := b.Facade.CreateProject(ctx, facade.CreateProjectArgs{
		TenantID:    *id,
		DisplayName: *name,
		Description: *desc,
		Config:      tenant.Config{Discoverable: true},
	})
	if err != nil {
		return err
	}
	fmt.Printf("created tenant %s (%s)\n", t.ID, t.DisplayName)

	clearText, key, err := b.Tenants.CreateKey(ctx, t.ID, nil, 0)
	if err != nil {
		return err
	}
	fmt.Printf("api key (shown once): %s\nkey id: %s\n", clearText, key.ID)
	return nil
}

func runListProjects(ctx context.Context, b *broker.Broker, args []string) error {
	tenants, err := b.Facade.ListProjects(ctx, facade.ListProjectsArgs{})
	if err != nil {
		return err
	}
	for _, t := range tenants {
		fmt.Printf("%s\t%s\t%s\n", t.ID, t.DisplayName, t.Status)
	}
	return nil
}

func runRotateKeys(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("rotate-keys", flag.ExitOnError)
	id := fs.String("id", "", "tenant id")
	grace := fs.Duration("grace", 0, "grace period for the superseded key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := b.Facade.RotateProjectKeys(ctx, facade.RotateProjectKeysArgs{
		TenantID:    *id,
		GracePeriod: *grace,
	})
	if err != nil {
		return err
	}
	fmt.Printf("new api key (shown once): %s\nkey id: %s\n", result.ClearTextKey, result.NewKey.ID)
	return nil
}
