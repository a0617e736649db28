package server

import (
	"math/big"
	"time"

	"crowdfund/internal/campaign"
	"crowdfund/internal/metadata"
	"crowdfund/internal/submit"
	"crowdfund/internal/syncer"
	"crowdfund/internal/units"
	"crowdfund/internal/wallet"
)

// Amounts are ether decimal strings; the *Wei fields carry the exact integer.
type campaignView struct {
	Address             string             `json:"address"`
	Creator             string             `json:"creator"`
	Goal                string             `json:"goal"`
	GoalWei             string             `json:"goalWei"`
	TotalContributed    string             `json:"totalContributed"`
	TotalContributedWei string             `json:"totalContributedWei"`
	Deadline            time.Time          `json:"deadline"`
	Withdrawn           bool               `json:"withdrawn"`
	GoalReached         bool               `json:"goalReached"`
	Progress            int                `json:"progress"`
	Status              campaign.Status    `json:"status"`
	MetaURI             string             `json:"metaUri"`
	Metadata            *metadata.Document `json:"metadata"`
	Block               uint64             `json:"block"`
}

func newCampaignView(c *campaign.Campaign, now time.Time) *campaignView {
	if c == nil {
		return nil
	}
	return &campaignView{
		Address:             c.Address.Hex(),
		Creator:             c.Creator.Hex(),
		Goal:                units.FormatEther(c.Goal),
		GoalWei:             weiString(c.Goal),
		TotalContributed:    units.FormatEther(c.TotalContributed),
		TotalContributedWei: weiString(c.TotalContributed),
		Deadline:            c.Deadline.UTC(),
		Withdrawn:           c.Withdrawn,
		GoalReached:         c.GoalReached(),
		Progress:            c.Progress(),
		Status:              c.Status(now),
		MetaURI:             c.MetaURI,
		Metadata:            c.Metadata,
		Block:               c.Block,
	}
}

type listView struct {
	Block     uint64          `json:"block"`
	Token     uint64          `json:"token"`
	SyncedAt  time.Time       `json:"syncedAt"`
	Failed    int             `json:"failed"`
	Stale     bool            `json:"stale"`
	Error     string          `json:"error,omitempty"`
	Campaigns []*campaignView `json:"campaigns"`
}

func newListView(snap *syncer.Snapshot, lastErr error, now time.Time) listView {
	view := listView{
		Block:     snap.Block,
		Token:     snap.Token,
		SyncedAt:  snap.SyncedAt,
		Failed:    snap.Failed,
		Campaigns: make([]*campaignView, len(snap.Campaigns)),
	}
	for i, c := range snap.Campaigns {
		view.Campaigns[i] = newCampaignView(c, now)
	}
	if lastErr != nil {
		view.Stale = true
		view.Error = lastErr.Error()
	}
	return view
}

type contributionView struct {
	Campaign    string `json:"campaign"`
	Contributor string `json:"contributor"`
	Amount      string `json:"amount"`
	AmountWei   string `json:"amountWei"`
}

type walletView struct {
	Connected   bool       `json:"connected"`
	SessionID   string     `json:"sessionId,omitempty"`
	Address     string     `json:"address,omitempty"`
	ChainID     string     `json:"chainId,omitempty"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	Token       uint64     `json:"token"`
}

func newWalletView(session *wallet.Session, token uint64) walletView {
	if session == nil {
		return walletView{Token: token}
	}
	at := session.ConnectedAt()
	return walletView{
		Connected:   true,
		SessionID:   session.ID.String(),
		Address:     session.Address().Hex(),
		ChainID:     session.ChainID().String(),
		ConnectedAt: &at,
		Token:       token,
	}
}

type receiptView struct {
	Action   submit.Action `json:"action"`
	Campaign string        `json:"campaign"`
	From     string        `json:"from"`
	TxHash   string        `json:"txHash"`
	Block    uint64        `json:"block"`
	GasUsed  uint64        `json:"gasUsed"`
	Token    uint64        `json:"token"`
}

func newReceiptView(r *submit.Receipt) receiptView {
	return receiptView{
		Action:   r.Action,
		Campaign: r.Campaign.Hex(),
		From:     r.From.Hex(),
		TxHash:   r.TxHash.Hex(),
		Block:    r.Block,
		GasUsed:  r.GasUsed,
		Token:    r.Token,
	}
}

type createCampaignRequest struct {
	MetaURI  string    `json:"metaUri"`
	Goal     string    `json:"goal"`
	Deadline time.Time `json:"deadline"`
}

type contributeRequest struct {
	Amount string `json:"amount"`
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
