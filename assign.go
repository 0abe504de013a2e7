package main

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand"
)

var ErrInsufficientMissions = errors.New("not enough approved missions for this many players")

// assignmentDraft pairs one player with their target and drawn mission,
// before anything is persisted.
type assignmentDraft struct {
	playerName       string
	targetPlayerName string
	mission          Mission
}

// assign builds the randomized target cycle and mission draw for one session.
//
// The shuffled player list is rotated by one position, so the target mapping
// is always a single n-cycle: nobody targets themselves, and every player is
// targeted by exactly one other player. Missions are sampled without
// replacement from the eligible pool. A second, independent shuffle of the
// emitted drafts keeps insertion (and therefore record ID) order from
// revealing who targets whom.
//
// Player-count bounds are the caller's responsibility; assign only requires
// the pool to cover the player count.
func assign(rng *rand.Rand, players []string, pool []Mission) ([]assignmentDraft, error) {
	n := len(players)
	if len(pool) < n {
		return nil, ErrInsufficientMissions
	}

	order := make([]string, n)
	copy(order, players)
	rng.Shuffle(n, func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	picks := rng.Perm(len(pool))[:n]

	drafts := make([]assignmentDraft, n)
	for i, name := range order {
		drafts[i] = assignmentDraft{
			playerName:       name,
			targetPlayerName: order[(i+1)%n],
			mission:          pool[picks[i]],
		}
	}

	rng.Shuffle(n, func(i, j int) {
		drafts[i], drafts[j] = drafts[j], drafts[i]
	})

	return drafts, nil
}

// newSeed draws a seed for math/rand from crypto/rand.
func newSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}
