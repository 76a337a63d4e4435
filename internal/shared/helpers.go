// Package shared — небольшие общие утилиты без внешних зависимостей.
// Обобщённые операции над слайсами и числовыми диапазонами с простой семантикой
// и без паник.
package shared

// Unique возвращает срез уникальных значений, сохраняя порядок первого появления.
// Работает для любых comparable-типов. O(n) по времени и памяти; порядок стабильный.
func Unique[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Clamp ограничивает значение диапазоном [lo, hi]. При lo > hi возвращает lo.
func Clamp[T int | int64 | float64](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
