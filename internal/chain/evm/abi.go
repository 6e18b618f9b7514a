package evm

// Contract ABIs for the contracts deployed on every EVM ledger. Only the functions
// and events the adapter uses are listed.

// OracleABI is the ABI of the match oracle contract.
const OracleABI = `[
	{
		"type": "function", "name": "registerMatch", "stateMutability": "nonpayable",
		"inputs": [
			{"name": "matchId", "type": "bytes32"},
			{"name": "sport", "type": "uint8"}
		],
		"outputs": []
	},
	{
		"type": "function", "name": "finalizeMatch", "stateMutability": "nonpayable",
		"inputs": [
			{"name": "matchId", "type": "bytes32"},
			{"name": "winner", "type": "uint8"},
			{"name": "dataHash", "type": "bytes32"}
		],
		"outputs": []
	},
	{
		"type": "function", "name": "cancelMatch", "stateMutability": "nonpayable",
		"inputs": [{"name": "matchId", "type": "bytes32"}],
		"outputs": []
	},
	{
		"type": "function", "name": "recordPerformance", "stateMutability": "nonpayable",
		"inputs": [
			{"name": "matchId", "type": "bytes32"},
			{"name": "participant", "type": "address"},
			{"name": "score", "type": "uint256"},
			{"name": "effort", "type": "uint8"},
			{"name": "tier", "type": "uint8"}
		],
		"outputs": []
	},
	{
		"type": "function", "name": "getMatch", "stateMutability": "view",
		"inputs": [{"name": "matchId", "type": "bytes32"}],
		"outputs": [
			{"name": "exists", "type": "bool"},
			{"name": "sport", "type": "uint8"},
			{"name": "status", "type": "uint8"},
			{"name": "winner", "type": "uint8"},
			{"name": "dataHash", "type": "bytes32"},
			{"name": "participants", "type": "uint32"},
			{"name": "createdAt", "type": "uint64"},
			{"name": "finalizedAt", "type": "uint64"}
		]
	},
	{
		"type": "function", "name": "getPerformance", "stateMutability": "view",
		"inputs": [
			{"name": "matchId", "type": "bytes32"},
			{"name": "participant", "type": "address"}
		],
		"outputs": [
			{"name": "exists", "type": "bool"},
			{"name": "score", "type": "uint256"},
			{"name": "effort", "type": "uint8"},
			{"name": "tier", "type": "uint8"},
			{"name": "verified", "type": "bool"},
			{"name": "recordedAt", "type": "uint64"}
		]
	},
	{
		"type": "event", "name": "MatchRegistered", "anonymous": false,
		"inputs": [
			{"indexed": true, "name": "matchId", "type": "bytes32"},
			{"indexed": false, "name": "sport", "type": "uint8"}
		]
	},
	{
		"type": "event", "name": "MatchFinalized", "anonymous": false,
		"inputs": [
			{"indexed": true, "name": "matchId", "type": "bytes32"},
			{"indexed": false, "name": "winner", "type": "uint8"},
			{"indexed": false, "name": "dataHash", "type": "bytes32"}
		]
	},
	{
		"type": "event", "name": "MatchCancelled", "anonymous": false,
		"inputs": [{"indexed": true, "name": "matchId", "type": "bytes32"}]
	}
]`

// BurnEngineABI is the ABI of the burn engine contract.
const BurnEngineABI = `[
	{
		"type": "function", "name": "executeBurn", "stateMutability": "nonpayable",
		"inputs": [
			{"name": "matchId", "type": "bytes32"},
			{"name": "participant", "type": "address"}
		],
		"outputs": []
	},
	{
		"type": "function", "name": "getBurn", "stateMutability": "view",
		"inputs": [
			{"name": "matchId", "type": "bytes32"},
			{"name": "participant", "type": "address"}
		],
		"outputs": [
			{"name": "exists", "type": "bool"},
			{"name": "burnAmount", "type": "uint256"},
			{"name": "rewardAmount", "type": "uint256"},
			{"name": "tier", "type": "uint8"},
			{"name": "effort", "type": "uint8"},
			{"name": "timestamp", "type": "uint64"}
		]
	},
	{
		"type": "event", "name": "BurnExecuted", "anonymous": false,
		"inputs": [
			{"indexed": true, "name": "matchId", "type": "bytes32"},
			{"indexed": true, "name": "participant", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		]
	},
	{
		"type": "event", "name": "RewardClaimed", "anonymous": false,
		"inputs": [
			{"indexed": true, "name": "matchId", "type": "bytes32"},
			{"indexed": true, "name": "participant", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		]
	}
]`

// TokenABI is the subset of ERC20 used for balance queries.
const TokenABI = `[
	{
		"type": "function", "name": "balanceOf", "stateMutability": "view",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	}
]`

// RewardTiersABI is the ABI of the on-chain reward tier table the burn engine prices
// burns from.
const RewardTiersABI = `[
	{
		"type": "function", "name": "getTier", "stateMutability": "view",
		"inputs": [{"name": "tierId", "type": "uint8"}],
		"outputs": [
			{"name": "exists", "type": "bool"},
			{"name": "name", "type": "string"},
			{"name": "multiplier", "type": "uint256"},
			{"name": "baseReward", "type": "uint256"}
		]
	},
	{
		"type": "function", "name": "setTier", "stateMutability": "nonpayable",
		"inputs": [
			{"name": "tierId", "type": "uint8"},
			{"name": "name", "type": "string"},
			{"name": "multiplier", "type": "uint256"},
			{"name": "baseReward", "type": "uint256"}
		],
		"outputs": []
	}
]`
