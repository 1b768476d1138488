package montecarlo

// SubSeed derives the seed of draw i from the run seed. The mapping is a
// splitmix64 finalizer over (seed, i), so draw i gets the same seed however
// many draws ran before it.
func SubSeed(seed int64, i int) int64 {
	z := uint64(seed) + (uint64(i)+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return int64(z)
}
