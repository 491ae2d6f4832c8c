// Package catalog содержит чистые функции выборки по каталогу услуг.
package catalog

import (
	"sort"

	"github.com/avmirov/smmpanel-system/internal/model"
)

// Platforms возвращает отсортированный список платформ, по которым есть
// хотя бы одна активная позиция. Пустой каталог даёт пустой список.
func Platforms(offerings []model.Offering) []string {
	seen := make(map[string]struct{})
	var res []string

	for _, o := range offerings {
		if !o.Active {
			continue
		}
		if _, ok := seen[o.Platform]; ok {
			continue
		}
		seen[o.Platform] = struct{}{}
		res = append(res, o.Platform)
	}

	sort.Strings(res)
	return res
}

// ForPlatform возвращает активные позиции выбранной платформы.
// Платформа без позиций даёт пустой результат, а не ошибку.
func ForPlatform(offerings []model.Offering, platform string) []model.Offering {
	var res []model.Offering
	for _, o := range offerings {
		if o.Active && o.Platform == platform {
			res = append(res, o)
		}
	}
	return res
}

// Find возвращает позицию с указанным идентификатором либо nil.
func Find(offerings []model.Offering, id int64) *model.Offering {
	for i := range offerings {
		if offerings[i].ID == id {
			return &offerings[i]
		}
	}
	return nil
}

// TotalCostCents вычисляет стоимость заказа в копейках:
// quantity/1000 * цена за тысячу, с округлением половины вверх.
func TotalCostCents(quantity, priceCentsPerThousand int64) int64 {
	if quantity <= 0 || priceCentsPerThousand <= 0 {
		return 0
	}
	return (quantity*priceCentsPerThousand + 500) / 1000
}
