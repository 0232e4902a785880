package handlers

import (
	"encoding/hex"

	"github.com/lighthouse-contracts/pledgeengine/internal/backend"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

// pledgeDTO is the JSON-friendly view of a models.Pledge: wire.MsgTx doesn't
// marshal usefully on its own, so the handlers report just what a client
// needs to recognize and total pledges (hash, value, input count), not a
// full transaction dump.
type pledgeDTO struct {
	Hash              string `json:"hash"`
	ClaimedInputValue int64  `json:"claimedInputValueSats"`
	InputCount        int    `json:"inputCount"`
	DependencyCount   int    `json:"dependencyCount"`
}

func toPledgeDTO(p *models.Pledge) pledgeDTO {
	hash := p.Hash()
	return pledgeDTO{
		Hash:              hex.EncodeToString(hash[:]),
		ClaimedInputValue: int64(p.ClaimedInputValue),
		InputCount:        len(p.Main.TxIn),
		DependencyCount:   len(p.Dependencies),
	}
}

func toPledgeDTOs(pledges []*models.Pledge) []pledgeDTO {
	out := make([]pledgeDTO, len(pledges))
	for i, p := range pledges {
		out[i] = toPledgeDTO(p)
	}
	return out
}

// projectSummaryDTO is the list-view shape: enough to render a project card
// without the full pledge sets.
type projectSummaryDTO struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	GoalSats       int64  `json:"goalSats"`
	TotalPledged   int64  `json:"totalPledgedSats"`
	State          string `json:"state"`
	HasServer      bool   `json:"hasServer"`
	OpenPledges    int    `json:"openPledgeCount"`
	ClaimedPledges int    `json:"claimedPledgeCount"`
}

// projectDetailDTO is the single-project shape: includes the full pledge
// lists and check status.
type projectDetailDTO struct {
	projectSummaryDTO
	ClaimTxHash    *string     `json:"claimTxHash,omitempty"`
	CheckRunning   bool        `json:"checkInProgress"`
	CheckError     *string     `json:"checkError,omitempty"`
	OpenPledgeList []pledgeDTO `json:"openPledges"`
	ClaimedList    []pledgeDTO `json:"claimedPledges"`
}

func toProjectSummaryDTO(v backend.ProjectView) projectSummaryDTO {
	id := v.Project.ID
	return projectSummaryDTO{
		ID:             hex.EncodeToString(id[:]),
		Title:          v.Project.Title,
		GoalSats:       int64(v.Project.Goal()),
		TotalPledged:   int64(v.TotalPledged),
		State:          v.State.State.String(),
		HasServer:      v.Project.HasServer(),
		OpenPledges:    len(v.OpenPledges),
		ClaimedPledges: len(v.ClaimedPledges),
	}
}

func toProjectDetailDTO(v backend.ProjectView) projectDetailDTO {
	d := projectDetailDTO{projectSummaryDTO: toProjectSummaryDTO(v)}
	if v.State.ClaimTxHash != nil {
		s := v.State.ClaimTxHash.String()
		d.ClaimTxHash = &s
	}
	d.CheckRunning = v.CheckStatus.InProgress
	if v.CheckStatus.Err != nil {
		s := v.CheckStatus.Err.Error()
		d.CheckError = &s
	}
	d.OpenPledgeList = toPledgeDTOs(v.OpenPledges)
	d.ClaimedList = toPledgeDTOs(v.ClaimedPledges)
	return d
}
