package repository

import (
	"context"
	"embed"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/deployq/deployq/internal/common/database"
	"github.com/deployq/deployq/internal/common/deployerrors"
	"github.com/deployq/deployq/internal/deployq/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate brings the record store schema up to date.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	migrations, err := database.ReadMigrations(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, db, migrations)
}

// PostgresRecordStore is a RecordStore backed by postgres.
// Every statement runs under its own timeout. Cluster records are cached locally since the
// scheduler never changes them.
type PostgresRecordStore struct {
	db           *pgxpool.Pool
	queryTimeout time.Duration
	// Cluster id -> *domain.Cluster. Guarded by cacheMu.
	clusterCache *simplelru.LRU
	cacheMu      sync.Mutex
}

func NewPostgresRecordStore(db *pgxpool.Pool, queryTimeout time.Duration, clusterCacheSize int) (*PostgresRecordStore, error) {
	if db == nil {
		return nil, errors.WithStack(&deployerrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	cache, err := simplelru.NewLRU(clusterCacheSize, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PostgresRecordStore{
		db:           db,
		queryTimeout: queryTimeout,
		clusterCache: cache,
	}, nil
}

func (s *PostgresRecordStore) SaveCluster(ctx context.Context, cluster *domain.Cluster) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.Exec(ctx, `
		INSERT INTO clusters (id, name, total_ram, total_cpu, total_gpu, available_ram, available_cpu, available_gpu, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			total_ram = EXCLUDED.total_ram,
			total_cpu = EXCLUDED.total_cpu,
			total_gpu = EXCLUDED.total_gpu,
			available_ram = EXCLUDED.available_ram,
			available_cpu = EXCLUDED.available_cpu,
			available_gpu = EXCLUDED.available_gpu`,
		cluster.Id, cluster.Name,
		cluster.Total.Ram, cluster.Total.Cpu, cluster.Total.Gpu,
		cluster.Available.Ram, cluster.Available.Cpu, cluster.Available.Gpu,
		cluster.Created,
	)
	if err != nil {
		return postgresError("SaveCluster", err)
	}
	s.cacheMu.Lock()
	s.clusterCache.Remove(cluster.Id)
	s.cacheMu.Unlock()
	return nil
}

func (s *PostgresRecordStore) GetCluster(ctx context.Context, clusterId string) (*domain.Cluster, error) {
	s.cacheMu.Lock()
	cached, ok := s.clusterCache.Get(clusterId)
	s.cacheMu.Unlock()
	if ok {
		c := *cached.(*domain.Cluster)
		return &c, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	row := s.db.QueryRow(ctx, selectClusters+` WHERE id = $1`, clusterId)
	cluster, err := scanCluster(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&deployerrors.ErrNotFound{Type: "cluster", Value: clusterId})
	} else if err != nil {
		return nil, postgresError("GetCluster", err)
	}

	s.cacheMu.Lock()
	c := *cluster
	s.clusterCache.Add(clusterId, &c)
	s.cacheMu.Unlock()
	return cluster, nil
}

func (s *PostgresRecordStore) ListClusters(ctx context.Context) ([]*domain.Cluster, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.Query(ctx, selectClusters+` ORDER BY id`)
	if err != nil {
		return nil, postgresError("ListClusters", err)
	}
	defer rows.Close()
	clusters := []*domain.Cluster{}
	for rows.Next() {
		cluster, err := scanCluster(rows)
		if err != nil {
			return nil, postgresError("ListClusters", err)
		}
		clusters = append(clusters, cluster)
	}
	if err := rows.Err(); err != nil {
		return nil, postgresError("ListClusters", err)
	}
	return clusters, nil
}

func (s *PostgresRecordStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	details, err := json.Marshal(completionDetails(deployment))
	if err != nil {
		return errors.WithStack(err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err = s.db.Exec(ctx, `
		INSERT INTO deployments (id, name, cluster_id, priority, required_ram, required_cpu, required_gpu,
			status, created, started, completed, completion_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		deployment.Id, deployment.Name, deployment.ClusterId, deployment.Priority,
		deployment.Required.Ram, deployment.Required.Cpu, deployment.Required.Gpu,
		string(deployment.Status), deployment.Created, deployment.Started, deployment.Completed, details,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return errors.WithStack(&deployerrors.ErrInvalidArgument{
				Name:    "id",
				Value:   deployment.Id,
				Message: "a deployment with this id already exists",
			})
		case pgerrcode.ForeignKeyViolation:
			return errors.WithStack(&deployerrors.ErrNotFound{Type: "cluster", Value: deployment.ClusterId})
		}
	}
	if err != nil {
		return postgresError("CreateDeployment", err)
	}
	return nil
}

func (s *PostgresRecordStore) GetDeployment(ctx context.Context, deploymentId string) (*domain.Deployment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	row := s.db.QueryRow(ctx, selectDeployments+` WHERE id = $1`, deploymentId)
	deployment, err := scanDeployment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&deployerrors.ErrNotFound{Type: "deployment", Value: deploymentId})
	} else if err != nil {
		return nil, postgresError("GetDeployment", err)
	}
	return deployment, nil
}

func (s *PostgresRecordStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment, expected domain.DeploymentStatus) (bool, error) {
	details, err := json.Marshal(completionDetails(deployment))
	if err != nil {
		return false, errors.WithStack(err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	updated := false
	err = s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE deployments SET
				priority = $2,
				status = $3,
				started = $4,
				completed = $5,
				completion_details = $6
			WHERE id = $1 AND status = $7`,
			deployment.Id, deployment.Priority, string(deployment.Status),
			deployment.Started, deployment.Completed, details, string(expected),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			updated = true
			return nil
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT exists(SELECT 1 FROM deployments WHERE id = $1)`, deployment.Id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return &deployerrors.ErrNotFound{Type: "deployment", Value: deployment.Id}
		}
		return nil
	})
	if deployerrors.IsNotFound(err) {
		return false, errors.WithStack(err)
	} else if err != nil {
		return false, postgresError("UpdateDeployment", err)
	}
	return updated, nil
}

func (s *PostgresRecordStore) ListDeployments(ctx context.Context, clusterId string, status domain.DeploymentStatus) ([]*domain.Deployment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.Query(ctx,
		selectDeployments+` WHERE status = $1 AND ($2 = '' OR cluster_id = $2) ORDER BY created`,
		string(status), clusterId,
	)
	if err != nil {
		return nil, postgresError("ListDeployments", err)
	}
	defer rows.Close()
	deployments := []*domain.Deployment{}
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, postgresError("ListDeployments", err)
		}
		deployments = append(deployments, deployment)
	}
	if err := rows.Err(); err != nil {
		return nil, postgresError("ListDeployments", err)
	}
	return deployments, nil
}

const selectClusters = `
	SELECT id, name, total_ram, total_cpu, total_gpu, available_ram, available_cpu, available_gpu, created
	FROM clusters`

const selectDeployments = `
	SELECT id, name, cluster_id, priority, required_ram, required_cpu, required_gpu,
		status, created, started, completed, completion_details
	FROM deployments`

func scanCluster(row pgx.Row) (*domain.Cluster, error) {
	c := &domain.Cluster{}
	err := row.Scan(
		&c.Id, &c.Name,
		&c.Total.Ram, &c.Total.Cpu, &c.Total.Gpu,
		&c.Available.Ram, &c.Available.Cpu, &c.Available.Gpu,
		&c.Created,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	d := &domain.Deployment{}
	var status string
	var details []byte
	err := row.Scan(
		&d.Id, &d.Name, &d.ClusterId, &d.Priority,
		&d.Required.Ram, &d.Required.Cpu, &d.Required.Gpu,
		&status, &d.Created, &d.Started, &d.Completed, &details,
	)
	if err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &d.CompletionDetails); err != nil {
			return nil, errors.WithStack(err)
		}
		if len(d.CompletionDetails) == 0 {
			d.CompletionDetails = nil
		}
	}
	return d, nil
}

func completionDetails(d *domain.Deployment) map[string]string {
	if d.CompletionDetails == nil {
		return map[string]string{}
	}
	return d.CompletionDetails
}

func postgresError(op string, err error) error {
	return errors.WithStack(&deployerrors.ErrStoreUnavailable{Store: "postgres", Op: op, Err: err})
}
