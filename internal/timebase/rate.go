package timebase

// RateWindow — размер окна регрессии по парам (локальное, глобальное время).
const RateWindow = 32

// maxRateDeviation ограничивает оценку: два кварца по ±100 ppm.
const maxRateDeviation = 200e-6

// rateRegression оценивает отклонение хода локальных часов от глобального времени
// линейной регрессией смещения (global - local, нс) по локальному времени (с).
// Наклон в нс/с, делённый на 1e9, — относительное отклонение частоты.
type rateRegression struct {
	xs     [RateWindow]float64 // локальное время в секундах от первого сэмпла
	ys     [RateWindow]float64 // смещение в наносекундах от первого сэмпла
	n      int
	idx    int
	origin struct {
		set    bool
		local  int64
		offset int64
	}
}

// Update добавляет пару и возвращает текущую оценку (0, пока сэмплов меньше 4).
// Значения передаются в целых наносекундах: точности float64 не хватает на абсолютное время.
func (r *rateRegression) Update(localNs, offsetNs int64) float64 {
	if !r.origin.set {
		r.origin.set = true
		r.origin.local = localNs
		r.origin.offset = offsetNs
	}
	r.xs[r.idx] = float64(localNs-r.origin.local) / 1e9
	r.ys[r.idx] = float64(offsetNs - r.origin.offset)
	r.idx = (r.idx + 1) % RateWindow
	if r.n < RateWindow {
		r.n++
	}
	return r.Estimate()
}

// Estimate — наклон регрессии по текущему окну.
func (r *rateRegression) Estimate() float64 {
	if r.n < 4 {
		return 0
	}
	n := float64(r.n)
	var sumX, sumY, sumXY, sumX2 float64
	for i := 0; i < r.n; i++ {
		sumX += r.xs[i]
		sumY += r.ys[i]
		sumXY += r.xs[i] * r.ys[i]
		sumX2 += r.xs[i] * r.xs[i]
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	rate := (n*sumXY - sumX*sumY) / denom / 1e9
	if rate > maxRateDeviation {
		rate = maxRateDeviation
	} else if rate < -maxRateDeviation {
		rate = -maxRateDeviation
	}
	return rate
}

// Reset сбрасывает окно; следующий сэмпл станет началом отсчёта.
func (r *rateRegression) Reset() {
	*r = rateRegression{}
}
