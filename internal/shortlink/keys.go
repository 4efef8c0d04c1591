package shortlink

// Redis 鍵命名
//
// 約定：
//   - url:{code}     快取條目（JSON，含 target 與 link_id）
//   - visits:{code}  即時計數器（自上次落盤以來的訪問數）
//   - visits:queue   訪問事件隊列（所有短碼共用一條）
//   - visits:flush:lock  落盤互斥租約
//
// visits:queue 與 visits:flush:lock 以 "queue"/"flush" 開頭的後綴
// 與計數器鍵區分，診斷掃描時據此過濾。
const (
	queueKey     = "visits:queue"
	flushLockKey = "visits:flush:lock"

	cachePrefix   = "url:"
	counterPrefix = "visits:"
)

// cacheKey 快取條目鍵
func cacheKey(code string) string {
	return cachePrefix + code
}

// counterKey 即時計數器鍵
func counterKey(code string) string {
	return counterPrefix + code
}

// isCounterKey 判斷掃描到的鍵是否為計數器（排除隊列與租約）
func isCounterKey(key string) bool {
	if key == queueKey || key == flushLockKey {
		return false
	}
	return len(key) > len(counterPrefix) && key[:len(counterPrefix)] == counterPrefix
}
