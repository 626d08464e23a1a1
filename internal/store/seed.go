package store

import (
	"context"
	"fmt"
)

type DepartmentSeed struct {
	Key  string
	Name string
}

// DefaultDepartments is the department directory every deployment starts with.
var DefaultDepartments = []DepartmentSeed{
	{Key: "hr", Name: "Human Resources"},
	{Key: "sales", Name: "Sales"},
	{Key: "marketing", Name: "Marketing"},
	{Key: "csm", Name: "Customer Success Manager"},
	{Key: "it", Name: "Information Technology"},
	{Key: "finance", Name: "Finance"},
	{Key: "presale", Name: "Pre-sales"},
}

type departmentUpserter interface {
	UpsertDepartment(ctx context.Context, key, name string) (Department, error)
}

// SeedDepartments upserts every seed by key; re-running only refreshes names.
func SeedDepartments(ctx context.Context, target departmentUpserter, seeds []DepartmentSeed) error {
	for _, seed := range seeds {
		if _, err := target.UpsertDepartment(ctx, seed.Key, seed.Name); err != nil {
			return fmt.Errorf("seed department %s: %w", seed.Key, err)
		}
	}
	return nil
}
