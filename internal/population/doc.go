// Package population implements the bacterial population model: seeding an
// arena, advancing a population by one generation under antibiotic pressure,
// and summarising the result. The functions are synchronous and hold no
// state; every random draw comes from the Rand passed in, so a seeded source
// reproduces a run exactly.
package population
