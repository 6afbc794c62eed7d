// Package payment 是编排侧的支付边界：所有对外付费都先过策略引擎，
// 再经由签名服务完成，本包自身不接触金库私钥。
package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// BuildServiceCallHash 为一次服务调用生成确定性哈希，作为报价、支付与
// 托管记录之间的关联键。参数对象按键名排序后做紧凑 JSON 序列化，
// 保证相同调用在任何进程里都得到相同哈希。
func BuildServiceCallHash(serviceID, agentID, taskID string, params map[string]any) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("序列化调用参数失败: %w", err)
	}
	if params == nil {
		canonical = []byte("{}")
	}
	payload := fmt.Sprintf("%s|%s|%s|%s", serviceID, agentID, taskID, canonical)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}
