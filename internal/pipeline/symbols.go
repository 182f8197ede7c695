package pipeline

// Default tracked universe, ordered roughly by market capitalization. The
// first 50 entries are treated as large caps, the next 50 as mid caps and
// the remainder as small caps.
var defaultSymbols = []string{
	"RELIANCE", "TCS", "HDFCBANK", "ICICIBANK", "BHARTIARTL",
	"INFY", "SBIN", "LICI", "ITC", "HINDUNILVR",
	"LT", "BAJFINANCE", "HCLTECH", "MARUTI", "SUNPHARMA",
	"KOTAKBANK", "MM", "ULTRACEMCO", "AXISBANK", "NTPC",
	"ONGC", "TITAN", "ADANIENT", "ADANIPORTS", "BAJAJFINSV",
	"WIPRO", "POWERGRID", "ASIANPAINT", "NESTLEIND", "COALINDIA",
	"JSWSTEEL", "TATAMOTORS", "BAJAJ-AUTO", "DMART", "TATASTEEL",
	"SIEMENS", "IOC", "HAL", "GRASIM", "SBILIFE",
	"TRENT", "VBL", "TECHM", "HINDALCO", "EICHERMOT",
	"DIVISLAB", "HDFCLIFE", "ADANIPOWER", "BRITANNIA", "GODREJCP",
	"DRREDDY", "CIPLA", "TATAPOWER", "BPCL", "DLF",
	"ZOMATO", "INDUSINDBK", "AMBUJACEM", "BANKBARODA", "PIDILITIND",
	"GAIL", "CHOLAFIN", "LODHA", "TVSMOTOR", "HEROMOTOCO",
	"SHRIRAMFIN", "APOLLOHOSP", "PNB", "BEL", "JINDALSTEL",
	"INDIGO", "NAUKRI", "CANBK", "ABB", "SHREECEM",
	"UNIONBANK", "IRFC", "RECLTD", "PFC", "HAVELLS",
	"MOTHERSON", "TORNTPHARM", "ZYDUSLIFE", "BOSCHLTD", "ICICIPRULI",
	"LUPIN", "MARICO", "DABUR", "COLPAL", "BERGEPAINT",
	"SRF", "CUMMINSIND", "POLYCAB", "PERSISTENT", "INDHOTEL",
	"MUTHOOTFIN", "IDBI", "AUROPHARMA", "NHPC", "MAXHEALTH",
	"ALKEM", "OBEROIRLTY", "BHARATFORG", "TIINDIA", "ASHOKLEY",
	"SAIL", "GMRINFRA", "BALKRISIND", "VOLTAS", "PAGEIND",
	"ASTRAL", "MPHASIS", "PATANJALI", "SUPREMEIND", "COFORGE",
	"SUZLON", "PIIND", "LTIM", "FEDERALBNK", "UPL",
	"APLAPOLLO", "SONACOMS", "TATACOMM", "DIXON", "IDFCFIRSTB",
	"PETRONET", "KPITTECH", "ESCORTS", "OFSS", "BANDHANBNK",
	"EXIDEIND", "GLENMARK", "DALBHARAT", "SYNGENE", "MRF",
	"DELHIVERY", "CROMPTON", "LAURUSLABS", "BATAINDIA", "RAMCOCEM",
	"IRCTC", "NATIONALUM", "GODREJPROP",
}

const largeCap = 50
const midCap = 100

// SymbolCategories buckets the tracked universe by list position.
func (s *Service) SymbolCategories() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := map[string][]string{
		"large_cap": {},
		"mid_cap":   {},
		"small_cap": {},
	}
	for i, symbol := range s.symbols {
		switch {
		case i < largeCap:
			categories["large_cap"] = append(categories["large_cap"], symbol)
		case i < midCap:
			categories["mid_cap"] = append(categories["mid_cap"], symbol)
		default:
			categories["small_cap"] = append(categories["small_cap"], symbol)
		}
	}
	return categories
}

// Symbols returns a copy of the tracked universe.
func (s *Service) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// AddSymbols appends new symbols to the universe, skipping duplicates, and
// returns the number added.
func (s *Service) AddSymbols(symbols []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]struct{}, len(s.symbols))
	for _, symbol := range s.symbols {
		known[symbol] = struct{}{}
	}

	added := 0
	for _, symbol := range symbols {
		if symbol == "" {
			continue
		}
		if _, ok := known[symbol]; ok {
			continue
		}
		s.symbols = append(s.symbols, symbol)
		known[symbol] = struct{}{}
		added++
	}
	if added > 0 {
		s.metrics.ExpectedSymbols = len(s.symbols)
		s.log.Info().Int("added", added).Int("universe", len(s.symbols)).Msg("Symbols added")
	}
	return added
}

// RemoveSymbols drops symbols from the universe and returns the number
// removed.
func (s *Service) RemoveSymbols(symbols []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		drop[symbol] = struct{}{}
	}

	kept := s.symbols[:0]
	removed := 0
	for _, symbol := range s.symbols {
		if _, ok := drop[symbol]; ok {
			removed++
			continue
		}
		kept = append(kept, symbol)
	}
	s.symbols = kept
	if removed > 0 {
		s.metrics.ExpectedSymbols = len(s.symbols)
		s.log.Info().Int("removed", removed).Int("universe", len(s.symbols)).Msg("Symbols removed")
	}
	return removed
}
