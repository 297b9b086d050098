// Package journal 把路由器分发的每条消息写入 sqlite，之后可以按顺序重放。
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
	"github.com/nukecoke1828/ponyca/router"
)

const table = "messages"

// Entry 是重放时交给回调的一条记录
type Entry struct {
	Seq     int64
	At      time.Time
	Origin  string // 来源端点的类型
	Message *protocol.Message
}

// ReplayFunc 处理一条记录，返回错误时停止重放。重放期间不能再调用同一 Journal 的方法。
type ReplayFunc func(Entry) error

// TxFunc 在事务中执行
type TxFunc func(*Session) (interface{}, error)

// Journal 实现 router.Observer
type Journal struct {
	db *sql.DB
}

var _ router.Observer = (*Journal)(nil)

// Open 打开（必要时创建）path 处的数据库
func Open(path string) (j *Journal, err error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		log.Error(err)
		return nil, err
	}
	if err = db.Ping(); err != nil {
		log.Error(err)
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite 只允许一个写者
	j = &Journal{db: db}
	_, err = j.newSession().Raw(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		origin TEXT NOT NULL,
		opcode INTEGER NOT NULL,
		name TEXT NOT NULL,
		frame BLOB NOT NULL
	);`, table)).Exec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("journal: opened %s", path)
	return j, nil
}

func (j *Journal) newSession() *Session {
	return newSession(j.db)
}

// Close 关闭数据库
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		log.Error("journal: failed to close database")
		return err
	}
	return nil
}

// Observe 记录一条分发的消息，失败只记录日志
func (j *Journal) Observe(origin router.Endpoint, m *protocol.Message) {
	if err := j.Append(fmt.Sprintf("%T", origin), m); err != nil {
		log.Warn("journal: append:", err)
	}
}

// Append 以完整帧（操作码 + 字段）保存消息
func (j *Journal) Append(origin string, m *protocol.Message) error {
	frame, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = j.newSession().Raw(
		fmt.Sprintf("INSERT INTO %s (at, origin, opcode, name, frame) VALUES (?, ?, ?, ?, ?)", table),
		time.Now().UnixNano(), origin, m.ID(), m.Name(), frame,
	).Exec()
	return err
}

// Count 返回记录条数
func (j *Journal) Count() (n int, err error) {
	row := j.newSession().Raw(fmt.Sprintf("SELECT count(*) FROM %s", table)).QueryRow()
	err = row.Scan(&n)
	return
}

// CountByName 按消息名统计记录条数
func (j *Journal) CountByName() (map[string]int, error) {
	rows, err := j.newSession().Raw(fmt.Sprintf("SELECT name, count(*) FROM %s GROUP BY name", table)).QueryRows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

// Replay 按写入顺序重新解码每条记录并交给 fn。
// 某条记录无法用 reg 解码时返回该 ProtocolError。
func (j *Journal) Replay(reg *protocol.Registry, fn ReplayFunc) error {
	rows, err := j.newSession().Raw(fmt.Sprintf("SELECT seq, at, origin, frame FROM %s ORDER BY seq", table)).QueryRows()
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e     Entry
			at    int64
			frame []byte
		)
		if err := rows.Scan(&e.Seq, &at, &e.Origin, &frame); err != nil {
			return err
		}
		e.At = time.Unix(0, at)
		if e.Message, err = reg.ReadBytes(frame); err != nil {
			return fmt.Errorf("journal: entry %d: %w", e.Seq, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Transaction 在一个事务中执行 f，f 返回错误或 panic 时回滚
func (j *Journal) Transaction(f TxFunc) (result interface{}, err error) {
	s := j.newSession()
	if err := s.Begin(); err != nil {
		return nil, err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = s.Rollback()
			panic(p)
		} else if err != nil {
			_ = s.Rollback()
		} else {
			err = s.Commit()
		}
	}()
	return f(s)
}

// Truncate 删除 seq 不大于 upTo 的记录，返回删除的条数
func (j *Journal) Truncate(upTo int64) (int64, error) {
	result, err := j.Transaction(func(s *Session) (interface{}, error) {
		res, err := s.Raw(fmt.Sprintf("DELETE FROM %s WHERE seq <= ?", table), upTo).Exec()
		if err != nil {
			return nil, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}
