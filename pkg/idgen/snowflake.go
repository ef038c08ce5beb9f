package idgen

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// 交易参考码由秒级时间戳 + 8 位数字组成，8 位数字取自同一秒内的
// 机器号、毫秒偏移和序列号，因此机器号互不相同时不会重复。
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// MaxWorkerID 参考码只给机器号留一位十进制数字
const MaxWorkerID = 9

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// New 创建独立的生成器
func New(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("workerID 必须在 0-%d 之间", MaxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Init 初始化默认ID生成器
func Init(workerID int64) {
	once.Do(func() {
		g, err := New(workerID)
		if err != nil {
			log.Fatal(err)
		}
		defaultGenerator = g
	})
}

func defaultGen() *Snowflake {
	Init(1)
	return defaultGenerator
}

// NextID 生成下一个ID
func NextID() int64 {
	return defaultGen().Generate()
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	id, _ := s.next()
	return id
}

// next 返回 ID 及其对应的毫秒时间戳
func (s *Snowflake) next() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.timestamp {
		// 时钟回拨，沿用上次时间戳
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	id := ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence

	return id, now
}

// ReferenceCode 生成交易参考码
// 格式：TXN + 年月日时分秒 + 8 位数字，例如 TXN2024011514305201234567
func (s *Snowflake) ReferenceCode() string {
	id, ms := s.next()
	seq := id & maxSequence
	suffix := s.workerID*10000000 + ((ms%1000)<<sequenceBits | seq)
	return fmt.Sprintf("TXN%s%08d", time.UnixMilli(ms).Format("20060102150405"), suffix)
}

// GenerateReferenceCode 使用默认生成器生成交易参考码
func GenerateReferenceCode() string {
	return defaultGen().ReferenceCode()
}
