package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"MNEE-Hub/pkg/logger"
)

// NetworkLayer 把模糊结论交给外部验证网络仲裁。
// 网络不可达时降级为本地启发式评分，验证流程不因仲裁方宕机而阻塞。
type NetworkLayer struct {
	endpoint string
	client   *http.Client
}

// NewNetworkLayer 构造网络仲裁层，endpoint 为空时只使用启发式评分。
func NewNetworkLayer(endpoint string, timeout time.Duration) *NetworkLayer {
	return &NetworkLayer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (n *NetworkLayer) Name() string { return "ai_network" }

func (n *NetworkLayer) Verify(ctx context.Context, req Request) (Outcome, error) {
	if n.endpoint != "" {
		if outcome, err := n.remoteVerify(ctx, req); err == nil {
			return outcome, nil
		} else {
			logger.Named("verify").Warn("验证网络不可达，降级为启发式评分", "error", err)
		}
	}
	return n.heuristic(req), nil
}

func (n *NetworkLayer) remoteVerify(ctx context.Context, req Request) (Outcome, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Outcome{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(httpReq)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	var body struct {
		Score  float64 `json:"score"`
		Detail string  `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Outcome{}, err
	}
	return Outcome{Layer: n.Name(), Score: body.Score, Detail: body.Detail}, nil
}

// heuristic 在仲裁网络缺席时给出保守评分：占位产出可直接放行，
// 真实产出给中间分继续升级。
func (n *NetworkLayer) heuristic(req Request) Outcome {
	if mock, ok := req.Output["mock"].(bool); ok && mock {
		return Outcome{Layer: n.Name(), Score: 0.75, Detail: "占位产出"}
	}
	return Outcome{Layer: n.Name(), Score: 0.6, Detail: "启发式评分，缺少仲裁网络结论"}
}
