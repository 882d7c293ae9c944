package grid

import (
	"fmt"
	"math"

	"binance-grid-engine-go/internal/models"
)

// 指标计算在内部使用float64，结果在写回网格参数时才转回定点数。

// AverageTrueRange 使用Wilder平滑法计算ATR。
func AverageTrueRange(candles []*models.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr: period must be positive, got %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("atr: need %d candles, got %d", period+1, len(candles))
	}

	trueRanges := make([]float64, len(candles))
	trueRanges[0] = candles[0].High.InexactFloat64() - candles[0].Low.InexactFloat64()

	for i := 1; i < len(candles); i++ {
		high := candles[i].High.InexactFloat64()
		low := candles[i].Low.InexactFloat64()
		prevClose := candles[i-1].Close.InexactFloat64()

		// 真实波幅取三者最大：当根高低差、高与前收差、低与前收差
		tr1 := high - low
		tr2 := math.Abs(high - prevClose)
		tr3 := math.Abs(low - prevClose)
		trueRanges[i] = math.Max(tr1, math.Max(tr2, tr3))
	}

	// 首个ATR取前period根真实波幅的简单平均
	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trueRanges[i]
	}
	atr /= float64(period)

	// 其余按Wilder公式递推
	for i := period; i < len(candles); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}

	return atr, nil
}

// BollingerBands 返回布林带的上轨、中轨、下轨。
func BollingerBands(candles []*models.Candle, period int, stdDevMult float64) (upper, middle, lower float64, err error) {
	if period <= 0 {
		return 0, 0, 0, fmt.Errorf("bollinger: period must be positive, got %d", period)
	}
	if len(candles) < period {
		return 0, 0, 0, fmt.Errorf("bollinger: need %d candles, got %d", period, len(candles))
	}

	window := candles[len(candles)-period:]
	sum := 0.0
	for _, c := range window {
		sum += c.Close.InexactFloat64()
	}
	middle = sum / float64(period)

	variance := 0.0
	for _, c := range window {
		d := c.Close.InexactFloat64() - middle
		variance += d * d
	}
	stdDev := math.Sqrt(variance / float64(period))

	upper = middle + stdDevMult*stdDev
	lower = middle - stdDevMult*stdDev
	return upper, middle, lower, nil
}

// VWAP 按典型价计算成交量加权均价。成交量全为零时退化为典型价均值。
func VWAP(candles []*models.Candle) (float64, error) {
	if len(candles) == 0 {
		return 0, fmt.Errorf("vwap: no candles")
	}

	var notional, volume float64
	for _, c := range candles {
		typical := (c.High.InexactFloat64() + c.Low.InexactFloat64() + c.Close.InexactFloat64()) / 3
		v := c.Volume.InexactFloat64()
		notional += typical * v
		volume += v
	}
	if volume == 0 {
		sum := 0.0
		for _, c := range candles {
			sum += (c.High.InexactFloat64() + c.Low.InexactFloat64() + c.Close.InexactFloat64()) / 3
		}
		return sum / float64(len(candles)), nil
	}
	return notional / volume, nil
}
