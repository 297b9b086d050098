package journal

import (
	"database/sql"
	"strings"

	"github.com/nukecoke1828/ponyca/log"
)

// CommonDB 是 *sql.DB 与 *sql.Tx 的公共部分
type CommonDB interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

var (
	_ CommonDB = (*sql.DB)(nil)
	_ CommonDB = (*sql.Tx)(nil)
)

// Session 拼接一条 SQL 并执行，事务中执行时使用 tx
type Session struct {
	db      *sql.DB
	sql     strings.Builder
	sqlVars []interface{}
	tx      *sql.Tx
}

func newSession(db *sql.DB) *Session {
	return &Session{db: db}
}

func (s *Session) clear() {
	s.sql.Reset()
	s.sqlVars = nil
}

func (s *Session) DB() CommonDB {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Session) Raw(sql string, values ...interface{}) *Session {
	s.sql.WriteString(sql)
	s.sql.WriteString(" ")
	s.sqlVars = append(s.sqlVars, values...)
	return s
}

func (s *Session) Exec() (result sql.Result, err error) {
	defer s.clear()
	log.Debug(s.sql.String(), s.sqlVars)
	if result, err = s.DB().Exec(s.sql.String(), s.sqlVars...); err != nil {
		log.Error(err)
	}
	return result, err
}

func (s *Session) QueryRow() *sql.Row {
	defer s.clear()
	log.Debug(s.sql.String(), s.sqlVars)
	return s.DB().QueryRow(s.sql.String(), s.sqlVars...)
}

func (s *Session) QueryRows() (rows *sql.Rows, err error) {
	defer s.clear()
	log.Debug(s.sql.String(), s.sqlVars)
	if rows, err = s.DB().Query(s.sql.String(), s.sqlVars...); err != nil {
		log.Error(err)
	}
	return rows, err
}

func (s *Session) Begin() (err error) {
	if s.tx, err = s.db.Begin(); err != nil {
		log.Error(err)
	}
	return
}

func (s *Session) Commit() (err error) {
	if err = s.tx.Commit(); err != nil {
		log.Error(err)
	}
	s.tx = nil
	return
}

// Rollback 回滚事务，不重试
func (s *Session) Rollback() (err error) {
	if err = s.tx.Rollback(); err != nil {
		log.Error(err)
	}
	s.tx = nil
	return
}
