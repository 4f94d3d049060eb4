package taskpool

import (
	"context"
	"database/sql"
	"net"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/lhmouse/poseidon-go/internal/future"
)

// DNSTask resolves a hostname on a task-pool worker, completing a Future
// with the resolved addresses. This is the concrete instance of spec.md
// §4.3's "used ... for blocking DNS ... round-trips", grounded on
// original_source/poseidon/dns/dns_future.cpp: the blocking resolver call
// that would stall the reactor runs here instead.
type DNSTask struct {
	Host     string
	Resolver *net.Resolver
	future   *future.Future[[]net.IPAddr]
}

// NewDNSTask builds a task that resolves host and reports into the
// returned future.
func NewDNSTask(host string) (*DNSTask, *future.Future[[]net.IPAddr]) {
	f := future.New[[]net.IPAddr]()
	return &DNSTask{Host: host, Resolver: net.DefaultResolver, future: f}, f
}

func (t *DNSTask) Execute(ctx context.Context) {
	addrs, err := t.Resolver.LookupIPAddr(ctx, t.Host)
	if err != nil {
		t.future.SetFailure(err)
		return
	}
	t.future.SetSuccess(addrs)
}

func (t *DNSTask) Finalize() {}

// DBQueryTask runs a blocking database/sql query through the lib/pq driver
// on a task-pool worker, completing a Future with the scanned rows. This is
// the Postgres-backed instance of the "database round-trip" task family
// named in spec.md §4.3.
type DBQueryTask struct {
	DB     *sql.DB
	Query  string
	Args   []any
	future *future.Future[[]map[string]any]
}

// NewDBQueryTask builds a task that runs query against db.
func NewDBQueryTask(db *sql.DB, query string, args ...any) (*DBQueryTask, *future.Future[[]map[string]any]) {
	f := future.New[[]map[string]any]()
	return &DBQueryTask{DB: db, Query: query, Args: args, future: f}, f
}

func (t *DBQueryTask) Execute(ctx context.Context) {
	rows, err := t.DB.QueryContext(ctx, t.Query, t.Args...)
	if err != nil {
		t.future.SetFailure(err)
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		t.future.SetFailure(err)
		return
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.future.SetFailure(err)
			return
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		t.future.SetFailure(err)
		return
	}
	t.future.SetSuccess(results)
}

func (t *DBQueryTask) Finalize() {}

// RedisRoundTripTask runs a blocking GET against Redis on a task-pool
// worker, the go-redis-backed instance of the "database round-trip" task
// family.
type RedisRoundTripTask struct {
	Client  *redis.Client
	Key     string
	Timeout time.Duration
	future  *future.Future[string]
}

// NewRedisRoundTripTask builds a task that GETs key from client.
func NewRedisRoundTripTask(client *redis.Client, key string) (*RedisRoundTripTask, *future.Future[string]) {
	f := future.New[string]()
	return &RedisRoundTripTask{Client: client, Key: key, Timeout: 5 * time.Second, future: f}, f
}

func (t *RedisRoundTripTask) Execute(ctx context.Context) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	v, err := t.Client.Get(ctx, t.Key).Result()
	if err != nil && err != redis.Nil {
		t.future.SetFailure(err)
		return
	}
	t.future.SetSuccess(v)
}

func (t *RedisRoundTripTask) Finalize() {}
