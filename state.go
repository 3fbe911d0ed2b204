package main

// StateMessage is the canonical room state broadcast after every
// accepted mutation. Common fields are always present; exactly one of
// the phase sections is populated, keyed off Phase.
type StateMessage struct {
	Type                string        `json:"type"` // "game_state_update"
	RoomCode            string        `json:"room_code"`
	Phase               Phase         `json:"phase"`
	HostID              string        `json:"host_id"`
	Players             []Player      `json:"players"`
	UnassignedPlayerIDs []string      `json:"unassigned_player_ids"`
	Teams               []Team        `json:"teams"`
	Round               int           `json:"round"`
	CurrentTurnTeamID   string        `json:"current_turn_team_id,omitempty"`
	Winner              *Team         `json:"winner,omitempty"`
	TurnData            *TurnData     `json:"turn_data,omitempty"`
	BonusData           *BonusData    `json:"bonus_data,omitempty"`
	PostGameData        *PostGameData `json:"post_game_data,omitempty"`
}

// snapshot renders the room into its wire form. Everything is deep
// copied: messages sit in per-client send buffers and are marshalled
// after the machine has moved on.
func (g *Game) snapshot() StateMessage {
	msg := StateMessage{
		Type:                "game_state_update",
		RoomCode:            g.code,
		Phase:               g.phase,
		HostID:              g.hostID,
		Players:             g.playersInJoinOrder(),
		UnassignedPlayerIDs: append([]string{}, g.unassigned...),
		Teams:               []Team{copyTeam(*g.teams[0]), copyTeam(*g.teams[1])},
		Round:               g.round,
	}
	if g.currentTurnTeam >= 0 {
		msg.CurrentTurnTeamID = g.teams[g.currentTurnTeam].ID
	}
	if g.winner >= 0 {
		winner := copyTeam(*g.teams[g.winner])
		msg.Winner = &winner
	}

	switch g.phase {
	case PhaseLobby:
		// Common fields only.
	case PhaseInGame, PhaseReveal, PhaseGameOver:
		msg.TurnData = g.turn.clone()
	case PhaseBonusRound:
		msg.BonusData = g.bonus.clone()
	case PhasePostGame:
		msg.PostGameData = g.post.clone()
	}

	return msg
}

func (t *TurnData) clone() *TurnData {
	if t == nil {
		return nil
	}
	clone := *t
	clone.CorrectlyRankedAnswers = append([]Answer(nil), t.CorrectlyRankedAnswers...)
	clone.BoardAnswers = append([]string(nil), t.BoardAnswers...)
	clone.DecisionBox = append([]string(nil), t.DecisionBox...)
	return &clone
}

func (b *BonusData) clone() *BonusData {
	if b == nil {
		return nil
	}
	clone := *b
	clone.FullAnswers = append([]Answer(nil), b.FullAnswers...)
	clone.BoardAnswers = append([]string(nil), b.BoardAnswers...)
	clone.RevealedAnswers = append([]RevealedAnswer(nil), b.RevealedAnswers...)
	clone.WinningTeam = copyTeam(b.WinningTeam)
	return &clone
}

func (p *PostGameData) clone() *PostGameData {
	if p == nil {
		return nil
	}
	clone := *p
	clone.WinningTeam = copyTeam(p.WinningTeam)
	clone.CorrectBonusOrder = append([]Answer(nil), p.CorrectBonusOrder...)
	return &clone
}
