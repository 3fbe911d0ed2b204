package main

import (
	"fmt"
	"math/rand"
	"slices"
	"time"
)

type Phase string

const (
	PhaseLobby      Phase = "LOBBY"
	PhaseInGame     Phase = "IN_GAME"
	PhaseReveal     Phase = "REVEAL"
	PhaseGameOver   Phase = "GAME_OVER"
	PhaseBonusRound Phase = "BONUS_ROUND"
	PhasePostGame   Phase = "POST_GAME"
)

type TurnPhase string

const (
	TurnPickingTwo TurnPhase = "PICKING_TWO"
	TurnDeciding   TurnPhase = "DECIDING"
	TurnPickingOne TurnPhase = "PICKING_ONE"
)

const (
	maxPlayersPerRoom   = 4
	playersPerTeam      = 2
	roundsPerGame       = 2
	questionHistorySize = 10
	bonusPickTarget     = 4
	bonusStrikeLimit    = 2
	bonusPickValue      = 500
)

const (
	msgRoomNotFound  = "Room not found."
	msgRoomFull      = "Room is full."
	msgTeamsNotReady = "Both teams must have 2 players to start."
	msgHostLeft      = "The host has disconnected. The game has ended."
)

type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Team struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Score   int      `json:"score"`
	Players []Player `json:"players"`
}

// TurnData tracks one team's turn through the main round: the shuffled
// board, the two-slot decision box, and the picker/decider roles.
type TurnData struct {
	Question               string    `json:"question"`
	CorrectlyRankedAnswers []Answer  `json:"correctly_ranked_answers"`
	BoardAnswers           []string  `json:"board_answers"`
	DecisionBox            []string  `json:"decision_box"`
	HeldAnswer             string    `json:"held_answer,omitempty"`
	TurnPhase              TurnPhase `json:"turn_phase"`
	Picker                 Player    `json:"picker"`
	Decider                Player    `json:"decider"`
	Message                string    `json:"message"`
}

type RevealedAnswer struct {
	Answer
	IsStrike bool `json:"is_strike"`
}

type BonusData struct {
	Question           string           `json:"question"`
	Instructions       string           `json:"instructions"`
	FullAnswers        []Answer         `json:"full_answers"`
	BoardAnswers       []string         `json:"board_answers"`
	RevealedAnswers    []RevealedAnswer `json:"revealed_answers"`
	WinningTeam        Team             `json:"winning_team"`
	CurrentPickerIndex int              `json:"current_picker_index"`
	BonusWinnings      int              `json:"bonus_winnings"`
	Strikes            int              `json:"strikes"`
	IsOver             bool             `json:"is_over"`
	Message            string           `json:"message"`
}

type PostGameData struct {
	WinningTeam       Team     `json:"winning_team"`
	WasBonusWon       bool     `json:"was_bonus_won"`
	BonusWinnings     int      `json:"bonus_winnings"`
	CorrectBonusOrder []Answer `json:"correct_bonus_order"`
}

// gateway is the broadcast surface the state machine drives. The Hub
// implements it over websockets; tests implement it with a recorder.
type gateway interface {
	BroadcastState(StateMessage)
	SendError(playerID, message string)
	BroadcastError(message string)
}

type questionSource interface {
	Fetch(exclude []string) (Question, error)
}

type scheduleFunc func(d time.Duration, fn func())

// Game is the authoritative state of one room. It is only ever touched
// from its owning hub's run goroutine, so it carries no locks.
type Game struct {
	code            string
	phase           Phase
	players         map[string]Player
	joinOrder       []string
	hostID          string
	unassigned      []string
	teams           [2]*Team // exactly two teams, index 0 is Team A
	round           int
	currentTurnTeam int // index into teams, -1 outside of a turn
	winner          int // index into teams, -1 until the main game ends
	turn            *TurnData
	bonus           *BonusData
	post            *PostGameData
	questionHistory []string

	out       gateway
	questions questionSource
	schedule  scheduleFunc

	revealDelay   time.Duration
	gameOverDelay time.Duration
}

func newGame(code string, out gateway, questions questionSource, schedule scheduleFunc, revealDelay, gameOverDelay time.Duration) *Game {
	return &Game{
		code:    code,
		phase:   PhaseLobby,
		players: make(map[string]Player),
		teams: [2]*Team{
			{ID: "teamA", Name: "Team A"},
			{ID: "teamB", Name: "Team B"},
		},
		round:           1,
		currentTurnTeam: -1,
		winner:          -1,
		out:             out,
		questions:       questions,
		schedule:        schedule,
		revealDelay:     revealDelay,
		gameOverDelay:   gameOverDelay,
	}
}

// AddPlayer admits a participant into the roster as unassigned. The
// first player to join owns the room.
func (g *Game) AddPlayer(id, username string) error {
	if len(g.players) >= maxPlayersPerRoom {
		return fmt.Errorf("%s", msgRoomFull)
	}
	if username == "" {
		username = fmt.Sprintf("Player %d", len(g.players)+1)
	}

	g.players[id] = Player{ID: id, Username: username}
	g.joinOrder = append(g.joinOrder, id)
	g.unassigned = append(g.unassigned, id)
	if g.hostID == "" {
		g.hostID = id
	}

	g.out.BroadcastState(g.snapshot())
	return nil
}

// JoinTeam moves an unassigned player onto a team. Seats only open up
// once the lobby is full, so picking order can never strand a player.
func (g *Game) JoinTeam(playerID, teamID string) {
	if g.phase != PhaseLobby || len(g.players) != maxPlayersPerRoom {
		return
	}
	player, ok := g.players[playerID]
	if !ok || !slices.Contains(g.unassigned, playerID) || g.teamOf(playerID) != nil {
		return
	}
	team := g.teamByID(teamID)
	if team == nil {
		return
	}
	if len(team.Players) >= playersPerTeam {
		g.out.SendError(playerID, fmt.Sprintf("%s is full.", team.Name))
		return
	}

	g.unassigned = removeString(g.unassigned, playerID)
	team.Players = append(team.Players, player)

	g.out.BroadcastState(g.snapshot())
}

// StartGame begins round 1 with Team A's turn. Host only.
func (g *Game) StartGame(playerID string) {
	if g.phase != PhaseLobby || playerID != g.hostID {
		return
	}
	if len(g.teams[0].Players) != playersPerTeam || len(g.teams[1].Players) != playersPerTeam {
		g.out.SendError(playerID, msgTeamsNotReady)
		return
	}
	g.startTurn(0)
}

func (g *Game) startTurn(teamIdx int) {
	team := g.teams[teamIdx]
	if len(team.Players) < playersPerTeam {
		return
	}

	question, err := g.questions.Fetch(g.questionHistory)
	if err != nil {
		g.out.BroadcastError("Could not load a question. Please check server logs.")
		return
	}
	g.rememberQuestion(question.Text)

	// Roles swap between rounds so both players get to pick and decide.
	pickerIdx, deciderIdx := 0, 1
	if g.round != 1 {
		pickerIdx, deciderIdx = 1, 0
	}

	board := make([]string, len(question.Answers))
	for i, a := range question.Answers {
		board[i] = a.Text
	}
	rand.Shuffle(len(board), func(i, j int) { board[i], board[j] = board[j], board[i] })

	g.phase = PhaseInGame
	g.currentTurnTeam = teamIdx
	g.turn = &TurnData{
		Question:               question.Text,
		CorrectlyRankedAnswers: question.Answers,
		BoardAnswers:           board,
		DecisionBox:            []string{},
		TurnPhase:              TurnPickingTwo,
		Picker:                 team.Players[pickerIdx],
		Decider:                team.Players[deciderIdx],
		Message: fmt.Sprintf("Round %d - %s's Turn. Waiting for %s (Picker).",
			g.round, team.Name, team.Players[pickerIdx].Username),
	}

	g.out.BroadcastState(g.snapshot())
}

func (g *Game) rememberQuestion(text string) {
	g.questionHistory = append(g.questionHistory, text)
	if len(g.questionHistory) > questionHistorySize {
		g.questionHistory = g.questionHistory[1:]
	}
}

// HandleAction applies a board pick or a decision, depending on phase
// and role. Unauthorized or stale actions are dropped without a
// broadcast.
func (g *Game) HandleAction(playerID, payload string) {
	switch {
	case g.phase == PhaseInGame && g.turn != nil:
		g.handleTurnAction(playerID, payload)
	case g.phase == PhaseBonusRound && g.bonus != nil && !g.bonus.IsOver:
		g.handleBonusAction(playerID, payload)
	}
}

func (g *Game) handleTurnAction(playerID, payload string) {
	turn := g.turn
	picking := turn.TurnPhase == TurnPickingTwo || turn.TurnPhase == TurnPickingOne

	switch {
	case picking && playerID == turn.Picker.ID:
		if !slices.Contains(turn.BoardAnswers, payload) {
			return
		}
		turn.BoardAnswers = removeString(turn.BoardAnswers, payload)
		turn.DecisionBox = append(turn.DecisionBox, payload)
		if len(turn.DecisionBox) == 2 {
			turn.TurnPhase = TurnDeciding
			turn.Message = fmt.Sprintf("Waiting for %s (Decider) to choose the higher-ranked answer.",
				turn.Decider.Username)
		}
		g.out.BroadcastState(g.snapshot())

	case turn.TurnPhase == TurnDeciding && playerID == turn.Decider.ID:
		g.decide(payload)
	}
}

// decide settles a staged pair. The decider's choice is asserted to be
// the higher-ranked answer; right or wrong, the choice is final and the
// chosen answer is held for the next comparison.
func (g *Game) decide(choice string) {
	turn := g.turn
	if len(turn.DecisionBox) != 2 || !slices.Contains(turn.DecisionBox, choice) {
		return
	}

	other := turn.DecisionBox[0]
	if other == choice {
		other = turn.DecisionBox[1]
	}

	points := 1
	if g.round != 1 {
		points = 2
	}

	var msg string
	if turn.rankOf(choice) < turn.rankOf(other) {
		g.teams[g.currentTurnTeam].Score += points
		msg = fmt.Sprintf("Correct! %q is higher. (+%d pts)", choice, points)
	} else {
		msg = fmt.Sprintf("Incorrect. %q was higher. No points.", other)
	}

	turn.HeldAnswer = choice
	if len(turn.BoardAnswers) == 0 {
		g.startReveal()
		return
	}

	turn.DecisionBox = []string{turn.HeldAnswer}
	turn.TurnPhase = TurnPickingOne
	turn.Message = fmt.Sprintf("%s Now, %s must pick one to compare.", msg, turn.Picker.Username)

	g.out.BroadcastState(g.snapshot())
}

// rankOf is an answer's position in the correct ordering; unknown texts
// sort last so they can never win a comparison.
func (t *TurnData) rankOf(text string) int {
	for i, a := range t.CorrectlyRankedAnswers {
		if a.Text == text {
			return i
		}
	}
	return len(t.CorrectlyRankedAnswers)
}

func (g *Game) startReveal() {
	g.phase = PhaseReveal
	g.turn.DecisionBox = nil
	g.turn.Message = fmt.Sprintf("Round %d complete! The correct order is shown above.", g.round)

	g.out.BroadcastState(g.snapshot())

	fromTeam := g.currentTurnTeam
	fromRound := g.round
	g.schedule(g.revealDelay, func() {
		// The room may have reset or moved on while the timer ran.
		if g.phase != PhaseReveal || g.currentTurnTeam != fromTeam || g.round != fromRound {
			return
		}
		g.advanceAfterReveal()
	})
}

func (g *Game) advanceAfterReveal() {
	if g.currentTurnTeam == 0 {
		g.startTurn(1)
		return
	}
	g.round++
	if g.round > roundsPerGame {
		g.endMainGame()
	} else {
		g.startTurn(0)
	}
}

func (g *Game) endMainGame() {
	g.phase = PhaseGameOver

	// Ties go to Team A.
	winner := 0
	if g.teams[1].Score > g.teams[0].Score {
		winner = 1
	}
	g.winner = winner

	if g.turn != nil {
		g.turn.Message = fmt.Sprintf("Game Over! %s wins! Preparing for their Bonus Round...",
			g.teams[winner].Name)
	}

	g.out.BroadcastState(g.snapshot())

	g.schedule(g.gameOverDelay, func() {
		if g.phase != PhaseGameOver {
			return
		}
		g.startBonusRound()
	})
}

func (g *Game) startBonusRound() {
	team := g.teams[g.winner]

	question, err := g.questions.Fetch(g.questionHistory)
	if err != nil {
		g.out.BroadcastError("Could not load a question for the bonus round.")
		return
	}

	board := make([]string, len(question.Answers))
	for i, a := range question.Answers {
		board[i] = a.Text
	}

	g.phase = PhaseBonusRound
	g.bonus = &BonusData{
		Question:        question.Text,
		Instructions:    "Avoid picking the highest-ranked remaining answer. Get 4 correct to win!",
		FullAnswers:     question.Answers,
		BoardAnswers:    board,
		RevealedAnswers: []RevealedAnswer{},
		WinningTeam:     copyTeam(*team),
		Message:         fmt.Sprintf("BONUS ROUND! %s, pick an answer.", team.Players[0].Username),
	}

	g.out.BroadcastState(g.snapshot())
}

func (g *Game) handleBonusAction(playerID, payload string) {
	bonus := g.bonus
	if playerID != bonus.WinningTeam.Players[bonus.CurrentPickerIndex].ID {
		return
	}
	if !slices.Contains(bonus.BoardAnswers, payload) {
		return
	}

	trap := bonus.topRemaining()
	picked, ok := bonus.answerByText(payload)
	if !ok {
		return
	}
	bonus.BoardAnswers = removeString(bonus.BoardAnswers, payload)

	if payload == trap.Text {
		bonus.Strikes++
		bonus.RevealedAnswers = append(bonus.RevealedAnswers, RevealedAnswer{Answer: picked, IsStrike: true})
		if bonus.Strikes >= bonusStrikeLimit {
			bonus.IsOver = true
			bonus.Message = "That's two strikes! The bonus round is over."
			g.endBonusRound(false)
			return
		}
		bonus.CurrentPickerIndex = (bonus.CurrentPickerIndex + 1) % playersPerTeam
		next := bonus.WinningTeam.Players[bonus.CurrentPickerIndex]
		bonus.Message = fmt.Sprintf("STRIKE! It's now %s's turn.", next.Username)
	} else {
		bonus.BonusWinnings += bonusPickValue
		bonus.RevealedAnswers = append(bonus.RevealedAnswers, RevealedAnswer{Answer: picked})
		if bonus.correctPicks() >= bonusPickTarget {
			bonus.IsOver = true
			bonus.Message = "That's 4 correct answers! You've won the bonus round!"
			g.endBonusRound(true)
			return
		}
		bonus.CurrentPickerIndex = (bonus.CurrentPickerIndex + 1) % playersPerTeam
		next := bonus.WinningTeam.Players[bonus.CurrentPickerIndex]
		bonus.Message = fmt.Sprintf("Correct! +$%d! Total: $%d. It's %s's turn.",
			bonusPickValue, bonus.BonusWinnings, next.Username)
	}

	g.out.BroadcastState(g.snapshot())
}

// topRemaining is the trap: the best-ranked answer still on the board.
func (b *BonusData) topRemaining() Answer {
	for _, a := range b.FullAnswers {
		if slices.Contains(b.BoardAnswers, a.Text) {
			return a
		}
	}
	return Answer{}
}

func (b *BonusData) answerByText(text string) (Answer, bool) {
	for _, a := range b.FullAnswers {
		if a.Text == text {
			return a, true
		}
	}
	return Answer{}, false
}

func (b *BonusData) correctPicks() int {
	count := 0
	for _, a := range b.RevealedAnswers {
		if !a.IsStrike {
			count++
		}
	}
	return count
}

func (g *Game) endBonusRound(won bool) {
	bonus := g.bonus
	if !won {
		bonus.BonusWinnings = 0
	}

	g.phase = PhasePostGame
	g.post = &PostGameData{
		WinningTeam:       bonus.WinningTeam,
		WasBonusWon:       won,
		BonusWinnings:     bonus.BonusWinnings,
		CorrectBonusOrder: bonus.FullAnswers,
	}
	g.turn = nil
	g.bonus = nil

	g.out.BroadcastState(g.snapshot())
}

// PlayAgain rewinds the room to a fresh lobby with the same roster.
func (g *Game) PlayAgain(playerID string) {
	if _, ok := g.players[playerID]; !ok {
		return
	}
	g.resetToLobby()
	g.out.BroadcastState(g.snapshot())
}

func (g *Game) resetToLobby() {
	g.phase = PhaseLobby
	g.unassigned = append([]string(nil), g.joinOrder...)
	g.teams = [2]*Team{
		{ID: "teamA", Name: "Team A"},
		{ID: "teamB", Name: "Team B"},
	}
	g.round = 1
	g.currentTurnTeam = -1
	g.winner = -1
	g.turn = nil
	g.bonus = nil
	g.post = nil
	g.questionHistory = nil
}

type removeOutcome int

const (
	removeNone removeOutcome = iota
	removeRoomEmpty
	removeHostLeft
)

// RemovePlayer drops a participant and reports what the room should do
// next. A departure mid-game resets the room to a fresh lobby, so no
// turn or bonus substructure can reference a missing player.
func (g *Game) RemovePlayer(playerID string) removeOutcome {
	if _, ok := g.players[playerID]; !ok {
		return removeNone
	}

	delete(g.players, playerID)
	g.joinOrder = removeString(g.joinOrder, playerID)
	g.unassigned = removeString(g.unassigned, playerID)
	for _, team := range g.teams {
		team.Players = slices.DeleteFunc(team.Players, func(p Player) bool {
			return p.ID == playerID
		})
	}

	if len(g.players) == 0 {
		return removeRoomEmpty
	}
	if playerID == g.hostID {
		return removeHostLeft
	}

	if g.phase != PhaseLobby && g.phase != PhasePostGame {
		g.resetToLobby()
	}

	g.out.BroadcastState(g.snapshot())
	return removeNone
}

func (g *Game) teamByID(id string) *Team {
	for _, team := range g.teams {
		if team.ID == id {
			return team
		}
	}
	return nil
}

func (g *Game) teamOf(playerID string) *Team {
	for _, team := range g.teams {
		for _, p := range team.Players {
			if p.ID == playerID {
				return team
			}
		}
	}
	return nil
}

func (g *Game) playersInJoinOrder() []Player {
	players := make([]Player, 0, len(g.joinOrder))
	for _, id := range g.joinOrder {
		if p, ok := g.players[id]; ok {
			players = append(players, p)
		}
	}
	return players
}

func removeString(list []string, s string) []string {
	return slices.DeleteFunc(list, func(v string) bool { return v == s })
}

func copyTeam(t Team) Team {
	t.Players = append([]Player(nil), t.Players...)
	return t
}
