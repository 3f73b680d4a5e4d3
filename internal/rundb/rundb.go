// Package rundb records program activity and streaming runs in a ClickHouse
// database. Without a reachable server every operation is a no-op, so
// acquisition never depends on the database.
package rundb

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

// Options say where and how to reach the database.
type Options struct {
	Addr        string        `mapstructure:"addr"`
	Database    string        `mapstructure:"database"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Connection is a possibly-connected link to the database. The zero value and
// the result of Disconnected are valid, unconnected Connections.
type Connection struct {
	conn     clickhouse.Conn
	err      error
	errLock  sync.Mutex // guards err, set by the handler goroutine
	activity *ActivityMessage
	runmsg   chan *RunMessage
	logger   *log.Logger
	sync.WaitGroup
}

const timeFormat = "2006-01-02 15:04:05.000000"

// NewID returns a new unique, time-sortable row ID.
func NewID() string {
	return ulid.Make().String()
}

// Disconnected returns a Connection that records nothing.
func Disconnected() *Connection {
	return &Connection{}
}

// Start connects to the database, logs the start of activity, and handles
// messages until abort is closed, when it logs the end of activity. Call Wait
// to learn when that final entry is made. Connection problems are logged and
// leave a Connection that records nothing.
func Start(opts Options, activity *ActivityMessage, abort <-chan struct{}, logger *log.Logger) *Connection {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	db := &Connection{activity: activity, logger: logger}
	if err := db.connect(opts); err != nil {
		db.err = err
		logger.Printf("Run database not available: %v", err)
		return db
	}
	db.runmsg = make(chan *RunMessage)
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

func (db *Connection) connect(opts Options) error {
	if opts.Addr == "" {
		opts.Addr = "localhost:9000"
	}
	if opts.Database == "" {
		opts.Database = "dastream"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	options := clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "dastream", Version: db.version()},
			},
		},
		DialTimeout: opts.DialTimeout,
	}
	conn, err := clickhouse.Open(&options)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		if exception, ok := err.(*clickhouse.Exception); ok {
			return fmt.Errorf("exception [%d] %s", exception.Code, exception.Message)
		}
		return err
	}
	db.conn = conn
	return nil
}

func (db *Connection) version() string {
	if db.activity == nil || db.activity.Version == "" {
		return "unknown"
	}
	return db.activity.Version
}

// IsConnected reports whether messages are being recorded.
func (db *Connection) IsConnected() bool {
	return db != nil && db.conn != nil && db.Err() == nil
}

// Err returns the error that disconnected the database, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			if db.activity != nil {
				db.activity.End = time.Now()
			}
			db.logActivity()
			db.conn.Close()
			return
		case msg := <-db.runmsg:
			db.insertRun(msg)
		}
	}
}

// RecordRun stores the start of a run. It blocks until the message is accepted,
// so the row exists before the run's later updates.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun stamps the run's end time and stores its final state. Like
// RecordRun, it blocks until the message is accepted, so a Connection aborted
// right afterward still records the end of the run.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	final := *msg
	db.runmsg <- &final
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activity == nil {
		return
	}
	const nowait = false
	a := db.activity
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO activity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		a.ID, a.Hostname, a.Githash, a.Version, a.GoVersion, a.CPUs,
		a.Start.Format(timeFormat), a.End.Format(timeFormat),
	); err != nil {
		db.disconnect("activity", err)
	}
}

func (db *Connection) insertRun(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	activityID := ""
	if db.activity != nil {
		activityID = db.activity.ID
	}
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, activityID, m.Source, m.Channels, m.SamplesPerBlock, m.NumBlocks, m.ScanRate,
		m.TriggerMode, m.TriggerChannel, m.TargetSamples,
		m.Streamed, m.Discarded, m.Overrun, m.Outcome,
		m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		db.disconnect("runs", err)
	}
}

func (db *Connection) disconnect(table string, err error) {
	db.logger.Printf("Error raised on AsyncInsert into %s: %v", table, err)
	db.errLock.Lock()
	db.err = err
	db.errLock.Unlock()
}
