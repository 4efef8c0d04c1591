// Package snowflake 實現 Twitter Snowflake 分布式 ID 生成算法
//
// ID 為 64 位整數：
//
//	1 bit  | 41 bit       | 10 bit  | 12 bit
//	符號位 | 時間戳(毫秒) | 機器 ID | 序列號
//
// 特點：
//   - 趨勢遞增：基於時間戳，有利於資料庫索引
//   - 分布式：每台機器獨立生成，無需協調
//   - 唯一性：時間戳 + 機器 ID + 序列號保證全局唯一
//
// 容量：機器 ID 支持 1024 台機器，每毫秒每台機器可生成 4096 個 ID。
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// epoch 起始時間（2024-01-01 00:00:00 UTC 的毫秒時間戳）
	epoch int64 = 1704067200000

	machineBits  = 10
	sequenceBits = 12

	maxMachineID = (1 << machineBits) - 1  // 1023
	maxSequence  = (1 << sequenceBits) - 1 // 4095

	machineShift   = sequenceBits
	timestampShift = sequenceBits + machineBits
)

var (
	// ErrInvalidMachineID 當機器 ID 超出 0-1023 範圍時返回
	ErrInvalidMachineID = errors.New("machine ID must be between 0 and 1023")

	// ErrClockMovedBackwards 當檢測到時鐘回撥時返回
	ErrClockMovedBackwards = errors.New("clock moved backwards, refusing to generate ID")
)

// Generator Snowflake ID 生成器
type Generator struct {
	mu            sync.Mutex
	machineID     int64
	sequence      int64
	lastTimestamp int64
}

// NewGenerator 創建生成器，machineID 範圍 0-1023
func NewGenerator(machineID int64) (*Generator, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMachineID, machineID)
	}

	return &Generator{machineID: machineID}, nil
}

// Generate 生成下一個 ID
//
// 同一毫秒內序列號自增；序列號用盡時自旋等待下一毫秒；
// 時鐘回撥時拒絕生成（避免重複 ID）。
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := currentMilliseconds()

	if timestamp < g.lastTimestamp {
		return 0, fmt.Errorf("%w: last=%d, current=%d",
			ErrClockMovedBackwards, g.lastTimestamp, timestamp)
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			timestamp = g.waitNextMillisecond(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = timestamp

	id := (timestamp-epoch)<<timestampShift |
		g.machineID<<machineShift |
		g.sequence

	return id, nil
}

// waitNextMillisecond 自旋等待到下一毫秒
func (g *Generator) waitNextMillisecond(last int64) int64 {
	ts := currentMilliseconds()
	for ts <= last {
		ts = currentMilliseconds()
	}
	return ts
}

func currentMilliseconds() int64 {
	return time.Now().UnixMilli()
}
