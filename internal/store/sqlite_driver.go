package store

import (
	"database/sql"
	"fmt"
	"strings"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/kuitang/webprobe/internal/result"
)

const (
	// SQLiteDriverName is the SQLCipher driver with webprobe's SQL functions.
	SQLiteDriverName = "sqlite3_webprobe"
)

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc("is_final", sqliteIsFinal, true); err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "already exists") {
					return nil
				}
				return fmt.Errorf("register is_final SQL function: %w", err)
			}
			return nil
		},
	})
}

// sqliteIsFinal reports whether a stored status name ends a test.
func sqliteIsFinal(status string) bool {
	s, err := result.ParseStatus(status)
	return err == nil && s.Final()
}
