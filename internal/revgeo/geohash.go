package revgeo

import "github.com/paulmach/orb"

// 文档注释：geohash 编码（base32）
// 背景：用作点查询缓存键；精度 9 的单元约 4.8m，缓存内容为与单元相交的候选要素，命中后仍逐点精确判定。
var base32 = []byte("0123456789bcdefghjkmnpqrstuvwxyz")

const cachePrecision = 9

func encodeGeohash(pt orb.Point, precision int) string {
	hash, _ := geohashCell(pt, precision)
	return hash
}

// geohashCell：编码并返回点所在单元的经纬度范围（闭区间）
func geohashCell(pt orb.Point, precision int) (string, orb.Bound) {
	lat, lon := pt.Lat(), pt.Lon()
	latInt := [2]float64{-90, 90}
	lonInt := [2]float64{-180, 180}
	bits := [5]int{16, 8, 4, 2, 1}
	bit, ch := 0, 0
	even := true
	out := make([]byte, 0, precision)
	for len(out) < precision {
		if even {
			mid := (lonInt[0] + lonInt[1]) / 2
			if lon >= mid {
				ch |= bits[bit]
				lonInt[0] = mid
			} else {
				lonInt[1] = mid
			}
		} else {
			mid := (latInt[0] + latInt[1]) / 2
			if lat >= mid {
				ch |= bits[bit]
				latInt[0] = mid
			} else {
				latInt[1] = mid
			}
		}
		even = !even
		if bit < 4 {
			bit++
		} else {
			out = append(out, base32[ch])
			bit, ch = 0, 0
		}
	}
	cell := orb.Bound{
		Min: orb.Point{lonInt[0], latInt[0]},
		Max: orb.Point{lonInt[1], latInt[1]},
	}
	return string(out), cell
}
