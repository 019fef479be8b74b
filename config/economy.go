package config

import (
	"hash/fnv"

	"progression-engine/models"

	"github.com/shopspring/decimal"
)

// XPRule is one row of the activity XP table.
type XPRule struct {
	XP    int64  // per unit of value
	Class string // counter class for the daily sub-cap
}

// ActivityXP maps activity types to the XP they grant.
var ActivityXP = map[string]XPRule{
	"vote":                   {XP: 2, Class: "vote"},
	"transformation_created": {XP: 10, Class: "creation"},
	"battle_won":             {XP: 15, Class: "battle"},
	"battle_participated":    {XP: 5, Class: "battle"},
	"friend_invited":         {XP: 20, Class: "social"},
	"content_shared":         {XP: 3, Class: "social"},
	"daily_login":            {XP: 5, Class: "login"},
}

// XPClassCaps are daily sub-caps per XP class. Classes absent here only count toward the total cap.
var XPClassCaps = map[string]int64{
	"vote": 40,
}

// XPClassFor returns the counter class of a grant reason.
func XPClassFor(reason string) string {
	if rule, ok := ActivityXP[reason]; ok {
		return rule.Class
	}
	return reason
}

// CoinEarnRates maps activity types to the coins they earn per action.
var CoinEarnRates = map[string]int64{
	"daily_login":            5,
	"transformation_created": 3,
	"battle_won":             5,
	"vote":                   1,
	"friend_invited":         10,
}

// Coin cost table
const (
	CostStreakFreeze        = "streak_freeze"
	CostExtraBattle         = "extra_battle"
	CostBoostTransformation = "boost_transformation"
	CostPremiumStyle        = "premium_style"
)

var CoinCosts = map[string]int64{
	CostStreakFreeze:        50,
	CostExtraBattle:         10,
	CostBoostTransformation: 20,
	CostPremiumStyle:        30,
}

// CoinPack is a purchasable bundle of coins.
type CoinPack struct {
	Coins int64           `json:"coins"`
	Price decimal.Decimal `json:"price"`
}

var CoinPacks = map[string]CoinPack{
	"starter": {Coins: 100, Price: decimal.RequireFromString("0.99")},
	"popular": {Coins: 500, Price: decimal.RequireFromString("3.99")},
	"value":   {Coins: 1200, Price: decimal.RequireFromString("7.99")},
	"mega":    {Coins: 3000, Price: decimal.RequireFromString("14.99")},
}

// QualifyingActions advance the daily streak.
var QualifyingActions = map[string]bool{
	"daily_login":            true,
	"vote":                   true,
	"transformation_created": true,
	"battle_participated":    true,
	"battle_won":             true,
	"content_shared":         true,
}

// StreakMilestones are the streak lengths that pay a reward, ascending.
var StreakMilestones = []int{3, 7, 30, 100, 365}

var streakMilestoneRewards = map[int]models.RewardBundle{
	3:   {XP: 25, Coins: 10, Badge: models.BadgeStreak3},
	7:   {XP: 50, Coins: 25, Badge: models.BadgeStreak7},
	30:  {XP: 200, Coins: 100, Credits: 1, Badge: models.BadgeStreak30},
	100: {XP: 500, Coins: 250, Credits: 3, Badge: models.BadgeStreak100},
	365: {XP: 2000, Coins: 1000, Credits: 10, Badge: models.BadgeStreak365},
}

// StreakMilestoneReward returns the bundle for a streak milestone.
func StreakMilestoneReward(n int) (models.RewardBundle, bool) {
	b, ok := streakMilestoneRewards[n]
	return b, ok
}

// LevelReward returns the bundle paid on reaching level. It never carries XP.
func LevelReward(level int) models.RewardBundle {
	b := models.RewardBundle{Coins: 10 + int64(level/10)*5}
	if level%10 == 0 {
		b.Credits = 1
	}
	b.Badge = models.LevelBadgeCode(level)
	return b
}

// ObjectiveActivity maps challenge objectives to the activity type that advances them.
var ObjectiveActivity = map[string]string{
	"create_transformation": "transformation_created",
	"cast_votes":            "vote",
	"win_battles":           "battle_won",
	"invite_friends":        "friend_invited",
	"log_in":                "daily_login",
	"join_battles":          "battle_participated",
	"share_content":         "content_shared",
}

// ChallengeTemplate describes a challenge independent of its period.
type ChallengeTemplate struct {
	Title            string
	Description      string
	Objective        string
	TargetValue      int64
	TribeTargetValue int64
	Rewards          models.RewardBundle
}

// DailyTemplates is indexed by weekday, Sunday = 0.
var DailyTemplates = [7]ChallengeTemplate{
	{Title: "Sunday Spotlight", Description: "Share 3 creations", Objective: "share_content", TargetValue: 3,
		Rewards: models.RewardBundle{XP: 30, Coins: 10, ClanPoints: 5}},
	{Title: "Fresh Start", Description: "Create 2 transformations", Objective: "create_transformation", TargetValue: 2,
		Rewards: models.RewardBundle{XP: 30, Coins: 10, ClanPoints: 5}},
	{Title: "Judge's Table", Description: "Cast 10 votes", Objective: "cast_votes", TargetValue: 10,
		Rewards: models.RewardBundle{XP: 25, Coins: 10, ClanPoints: 5}},
	{Title: "Battle Ready", Description: "Win 2 battles", Objective: "win_battles", TargetValue: 2,
		Rewards: models.RewardBundle{XP: 40, Coins: 15, ClanPoints: 5}},
	{Title: "In the Arena", Description: "Join 3 battles", Objective: "join_battles", TargetValue: 3,
		Rewards: models.RewardBundle{XP: 30, Coins: 10, ClanPoints: 5}},
	{Title: "Bring a Friend", Description: "Invite a friend", Objective: "invite_friends", TargetValue: 1,
		Rewards: models.RewardBundle{XP: 40, Coins: 20, ClanPoints: 5}},
	{Title: "Weekend Studio", Description: "Create 3 transformations", Objective: "create_transformation", TargetValue: 3,
		Rewards: models.RewardBundle{XP: 35, Coins: 15, ClanPoints: 5}},
}

// WeeklyPool holds the weekly templates; one is chosen per ISO week.
var WeeklyPool = []ChallengeTemplate{
	{Title: "Champion of the Week", Description: "Win 15 battles", Objective: "win_battles", TargetValue: 15,
		TribeTargetValue: 150, Rewards: models.RewardBundle{XP: 150, Coins: 50, ClanPoints: 25, Badge: models.BadgeWeeklyWarrior}},
	{Title: "Master Creator", Description: "Create 20 transformations", Objective: "create_transformation", TargetValue: 20,
		TribeTargetValue: 200, Rewards: models.RewardBundle{XP: 150, Coins: 50, ClanPoints: 25, Badge: models.BadgeWeeklyWarrior}},
	{Title: "Voice of the People", Description: "Cast 75 votes", Objective: "cast_votes", TargetValue: 75,
		TribeTargetValue: 750, Rewards: models.RewardBundle{XP: 120, Coins: 40, ClanPoints: 25, Badge: models.BadgeWeeklyWarrior}},
}

// WeeklyTemplateFor picks the weekly template of an ISO week key.
func WeeklyTemplateFor(weekKey string) ChallengeTemplate {
	return WeeklyPool[stableIndex(weekKey, len(WeeklyPool))]
}

// ClanWarObjective defines what counts toward a clan war.
type ClanWarObjective struct {
	Key             string
	Title           string
	ActivityTypes   []string
	PointsPerAction int64
	XPPerAction     int64
	CoinsPerAction  int64
}

// Counts reports whether activityType contributes to the objective.
func (o ClanWarObjective) Counts(activityType string) bool {
	for _, t := range o.ActivityTypes {
		if t == activityType {
			return true
		}
	}
	return false
}

var ClanWarObjectives = []ClanWarObjective{
	{Key: "most_battles_won", Title: "Battle Royale", ActivityTypes: []string{"battle_won"},
		PointsPerAction: 10, XPPerAction: 5, CoinsPerAction: 1},
	{Key: "most_transformations", Title: "Creation Rush", ActivityTypes: []string{"transformation_created"},
		PointsPerAction: 5, XPPerAction: 3, CoinsPerAction: 1},
	{Key: "most_votes_contributed", Title: "Ballot Blitz", ActivityTypes: []string{"vote"},
		PointsPerAction: 1, XPPerAction: 1},
	{Key: "most_active_members", Title: "Full House", ActivityTypes: []string{"daily_login", "vote", "transformation_created", "battle_participated"},
		PointsPerAction: 2, XPPerAction: 1},
	{Key: "most_referrals", Title: "Recruitment Drive", ActivityTypes: []string{"friend_invited"},
		PointsPerAction: 25, XPPerAction: 10, CoinsPerAction: 5},
	{Key: "most_engagement", Title: "All In", ActivityTypes: []string{"vote", "content_shared", "transformation_created", "battle_won"},
		PointsPerAction: 3, XPPerAction: 2},
}

// ClanWarObjectiveFor picks the clan-war objective of an ISO week key.
func ClanWarObjectiveFor(weekKey string) ClanWarObjective {
	return ClanWarObjectives[stableIndex("clan_war:"+weekKey, len(ClanWarObjectives))]
}

// LookupClanWarObjective finds an objective by key.
func LookupClanWarObjective(key string) (ClanWarObjective, bool) {
	for _, o := range ClanWarObjectives {
		if o.Key == key {
			return o, true
		}
	}
	return ClanWarObjective{}, false
}

// Weekly winner rewards for tribes
const (
	TribeWinnerMultiplier   = 1.1
	ClanWarWinnerMultiplier = 1.2
)

func stableIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
