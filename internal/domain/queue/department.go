package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DepartmentDirectory answers whether a department may hold queues.
type DepartmentDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// StaticDepartments is a fixed directory, typically from configuration.
type StaticDepartments map[string]struct{}

func NewStaticDepartments(ids []string) StaticDepartments {
	d := make(StaticDepartments, len(ids))
	for _, id := range ids {
		d[id] = struct{}{}
	}
	return d
}

func (d StaticDepartments) Exists(_ context.Context, id string) (bool, error) {
	_, ok := d[id]
	return ok, nil
}

type departmentRepoPG struct{ pool *pgxpool.Pool }

// NewDepartmentRepoPG reads the department table; inactive departments do
// not exist for admission purposes.
func NewDepartmentRepoPG(pool *pgxpool.Pool) DepartmentDirectory {
	return &departmentRepoPG{pool: pool}
}

func (r *departmentRepoPG) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM department WHERE id = $1 AND active)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("lookup department: %w", err)
	}
	return ok, nil
}
