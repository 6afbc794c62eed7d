package verify

import (
	"context"
	"testing"
	"time"
)

func newTestFunnel() *Funnel {
	return NewFunnel(DefaultThresholds(),
		NewLocalLayer(),
		NewNetworkLayer("", 2*time.Second),
	)
}

func TestLocalLayerScores(t *testing.T) {
	layer := NewLocalLayer()

	cases := []struct {
		name      string
		serviceID string
		output    map[string]any
		score     float64
	}{
		{name: "空产出", serviceID: "image_gen", output: nil, score: 0.0},
		{name: "携带错误", serviceID: "image_gen", output: map[string]any{"error": "boom"}, score: 0.1},
		{name: "关键字段齐全", serviceID: "image_gen", output: map[string]any{"image_url": "https://cdn/x.png"}, score: 0.9},
		{name: "缺少关键字段", serviceID: "image_gen", output: map[string]any{"note": "done"}, score: 0.3},
		{name: "价格字段齐全", serviceID: "price_oracle", output: map[string]any{"price": 42.5}, score: 0.9},
		{name: "未登记服务", serviceID: "unknown_tool", output: map[string]any{"whatever": 1}, score: 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, err := layer.Verify(context.Background(), Request{ServiceID: tc.serviceID, Output: tc.output})
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if outcome.Score != tc.score {
				t.Fatalf("score = %.2f, want %.2f (%s)", outcome.Score, tc.score, outcome.Detail)
			}
		})
	}
}

func TestFunnelPassesLocally(t *testing.T) {
	funnel := newTestFunnel()

	// 关键字段齐全的产出在本地层直接放行，不升级。
	result := funnel.Verify(context.Background(), Request{
		ServiceID: "image_gen",
		Output:    map[string]any{"image_url": "https://cdn/x.png"},
	})
	if !result.Passed || result.Final != "local" {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(result.Outcomes))
	}
}

func TestFunnelRejectsEmptyOutputWithoutEscalation(t *testing.T) {
	funnel := newTestFunnel()

	// 空产出评分低于升级阈值，直接判失败。
	result := funnel.Verify(context.Background(), Request{ServiceID: "image_gen", Output: nil})
	if result.Passed {
		t.Fatalf("empty output must not pass")
	}
	if result.Final != "local" || len(result.Outcomes) != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestFunnelAmbiguousOutputStopsAtNetworkLayer(t *testing.T) {
	funnel := newTestFunnel()

	// 缺关键字段得 0.3，达到升级阈值，进入网络层。
	result := funnel.Verify(context.Background(), Request{
		ServiceID:       "image_gen",
		ServiceCallHash: "h1",
		Output:          map[string]any{"note": "done", "service_call_hash": "h1"},
	})
	if len(result.Outcomes) != 2 {
		t.Fatalf("expected escalation, outcomes = %+v", result.Outcomes)
	}
	if result.Outcomes[1].Layer != "ai_network" {
		t.Fatalf("second layer = %s", result.Outcomes[1].Layer)
	}
	// 启发式只给 0.6，模糊产出在网络层收尾：宁可不放行，
	// 也不把它推给只认哈希回显的预言机一票否决。
	if result.Passed || result.Final != "ai_network" {
		t.Fatalf("result = %+v", result)
	}
	if result.Score != 0.6 {
		t.Fatalf("score = %.2f, want 0.6", result.Score)
	}
}

func TestFunnelMockOutputPassesAtNetworkLayer(t *testing.T) {
	funnel := newTestFunnel()

	result := funnel.Verify(context.Background(), Request{
		ServiceID: "image_gen",
		Output:    map[string]any{"note": "placeholder", "mock": true},
	})
	if !result.Passed || result.Final != "ai_network" {
		t.Fatalf("result = %+v", result)
	}
}

func TestOracleLayerScoresOnHashEcho(t *testing.T) {
	oracle := NewOracleLayer()

	echoed, err := oracle.Verify(context.Background(), Request{
		ServiceCallHash: "expected",
		Output:          map[string]any{"service_call_hash": "expected"},
	})
	if err != nil || echoed.Score != 1.0 {
		t.Fatalf("echoed hash: outcome = %+v, err = %v", echoed, err)
	}

	forged, err := oracle.Verify(context.Background(), Request{
		ServiceCallHash: "expected",
		Output:          map[string]any{"note": "done", "service_call_hash": "forged"},
	})
	if err != nil || forged.Score != 0.0 {
		t.Fatalf("forged hash: outcome = %+v, err = %v", forged, err)
	}
}
