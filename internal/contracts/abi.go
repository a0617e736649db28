package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// CampaignFactoryABI is the JSON ABI of the factory that deploys campaigns.
const CampaignFactoryABI = `[
  {"type":"function","name":"createCampaign","stateMutability":"nonpayable",
   "inputs":[{"name":"metaURI","type":"string"},{"name":"goal","type":"uint256"},{"name":"deadline","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"allCampaigns","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"address[]"}]},
  {"type":"event","name":"CampaignCreated","anonymous":false,
   "inputs":[
     {"name":"campaign","type":"address","indexed":true},
     {"name":"creator","type":"address","indexed":true},
     {"name":"metaURI","type":"string","indexed":false},
     {"name":"goal","type":"uint256","indexed":false},
     {"name":"deadline","type":"uint256","indexed":false}]}
]`

// CampaignABI is the JSON ABI of a single campaign instance.
const CampaignABI = `[
  {"type":"function","name":"creator","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"goal","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"deadline","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalContributed","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"withdrawn","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"metaURI","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"contributions","stateMutability":"view",
   "inputs":[{"name":"contributor","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"contribute","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

// Method and event names used across packages.
const (
	MethodCreateCampaign   = "createCampaign"
	MethodAllCampaigns     = "allCampaigns"
	MethodCreator          = "creator"
	MethodGoal             = "goal"
	MethodDeadline         = "deadline"
	MethodTotalContributed = "totalContributed"
	MethodWithdrawn        = "withdrawn"
	MethodMetaURI          = "metaURI"
	MethodContributions    = "contributions"
	MethodContribute       = "contribute"
	MethodWithdraw         = "withdraw"
	MethodRefund           = "refund"

	EventCampaignCreated = "CampaignCreated"
)

var (
	factoryABI  = mustParse(CampaignFactoryABI)
	campaignABI = mustParse(CampaignABI)
)

// Factory returns the parsed factory ABI.
func Factory() abi.ABI { return factoryABI }

// Campaign returns the parsed campaign ABI.
func Campaign() abi.ABI { return campaignABI }

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("contracts: parse abi: " + err.Error())
	}
	return parsed
}
